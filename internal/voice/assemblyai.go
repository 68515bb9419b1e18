package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callscreen/internal/reliability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type AssemblyAIConfig struct {
	APIKey      string
	WSURL       string
	SampleRate  int
	FormatTurns bool
	DialRetries int
}

// AssemblyAIProvider streams call audio to the AssemblyAI v3 realtime API.
type AssemblyAIProvider struct {
	cfg    AssemblyAIConfig
	dialer websocket.Dialer
}

type assemblyMessage struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
	TurnOrder     int    `json:"turn_order"`
	Error         string `json:"error"`
}

var ErrSTTClosed = errors.New("stt session closed")

func NewAssemblyAIProvider(cfg AssemblyAIConfig) *AssemblyAIProvider {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = "wss://streaming.assemblyai.com/v3/ws"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.DialRetries <= 0 {
		cfg.DialRetries = 3
	}
	return &AssemblyAIProvider{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *AssemblyAIProvider) StartSession(ctx context.Context, callID string) (STTSession, <-chan STTEvent, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, nil, errors.New("assemblyai api key is empty")
	}
	u, err := url.Parse(p.cfg.WSURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse assemblyai url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.cfg.FormatTurns))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", p.cfg.APIKey)

	var conn *websocket.Conn
	for attempt := 0; attempt < p.cfg.DialRetries; attempt++ {
		var resp *http.Response
		conn, resp, err = p.dialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			break
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			return nil, nil, reliability.NewHTTPError("stt", status, err.Error())
		}
		wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		log.Warn().Err(err).Str("call_id", callID).Int("attempt", attempt+1).Dur("backoff", wait).Msg("assemblyai dial failed")
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return nil, nil, reliability.Upstream("stt", fmt.Errorf("dial assemblyai: %w", err))
	}

	events := make(chan STTEvent, 256)
	s := &assemblySession{
		conn:        conn,
		events:      events,
		callID:      callID,
		formatTurns: p.cfg.FormatTurns,
	}
	go s.readLoop()
	return s, events, nil
}

type assemblySession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closed      bool
	events      chan STTEvent
	callID      string
	formatTurns bool
}

func (s *assemblySession) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSTTClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return reliability.Upstream("stt", err)
	}
	return nil
}

// Close asks the service to terminate, then drops the socket. The read loop
// owns the events channel and closes it once the socket is gone.
func (s *assemblySession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *assemblySession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg assemblyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if ev, ok := s.translate(msg); ok {
			s.events <- ev
		}
	}
}

func (s *assemblySession) translate(msg assemblyMessage) (STTEvent, bool) {
	now := time.Now().UnixMilli()
	switch msg.Type {
	case "Begin":
		log.Debug().Str("call_id", s.callID).Str("stt_session", msg.ID).Msg("assemblyai session began")
		return STTEvent{}, false
	case "Turn":
		text := strings.TrimSpace(msg.Transcript)
		if text == "" {
			return STTEvent{}, false
		}
		// With formatting on, an end-of-turn arrives twice: raw, then formatted.
		final := msg.EndOfTurn && (msg.TurnFormatted || !s.formatTurns)
		if final {
			return STTEvent{Type: STTEventFinal, Text: text, Timestamp: now}, true
		}
		if msg.EndOfTurn {
			return STTEvent{}, false
		}
		return STTEvent{Type: STTEventPartial, Text: text, Timestamp: now}, true
	case "Termination":
		return STTEvent{}, false
	case "Error":
		return STTEvent{
			Type:      STTEventError,
			Code:      "error",
			Detail:    msg.Error,
			Retryable: reliability.IsRetryableRealtimeMessageType("error"),
			Timestamp: now,
		}, true
	default:
		return STTEvent{}, false
	}
}
