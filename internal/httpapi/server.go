package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go/client"

	"github.com/ent0n29/callscreen/internal/call"
	"github.com/ent0n29/callscreen/internal/config"
	"github.com/ent0n29/callscreen/internal/observability"
	"github.com/ent0n29/callscreen/internal/protocol"
	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/witness"
)

// CallRunner drives one media-stream connection.
type CallRunner interface {
	RunConnection(ctx context.Context, inbound <-chan any, transport call.Transport) error
}

// WitnessReader is the read side of the witness pipeline.
type WitnessReader interface {
	GetRecord(ctx context.Context, id string) (witness.Record, error)
	GetByCallID(ctx context.Context, callID string) (witness.Record, error)
	ListAll(ctx context.Context) ([]witness.Record, error)
	Disclosure(ctx context.Context, callID string) (witness.Disclosure, error)
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	calls     CallRunner
	witness   WitnessReader
	storeMode string
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	validator *client.RequestValidator
}

func New(cfg config.Config, sessions *session.Manager, calls CallRunner, witnessReader WitnessReader, storeMode string, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		calls:     calls,
		witness:   witnessReader,
		storeMode: storeMode,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Twilio media streams do not send an Origin header.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if token := strings.TrimSpace(cfg.TwilioAuthToken); token != "" {
		v := client.NewRequestValidator(token)
		s.validator = &v
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.With(s.twilioSignature).Post("/twilio/voice", s.handleTwilioVoice)
	r.Get("/v1/media-stream", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{callID}", s.handleGetCall)
	r.Get("/v1/calls/{callID}/witness", s.handleGetCallWitness)
	r.Get("/v1/witness", s.handleListWitness)
	r.Get("/v1/witness/{id}", s.handleGetWitness)
	r.Get("/v1/disclosure/{callID}", s.handleDisclosure)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"witness_store_mode": s.witnessStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.calls == nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":             status,
		"active_calls":       s.sessions.ActiveCount(),
		"witness_store_mode": s.witnessStoreMode(),
	})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.CallEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	transport := newStreamTransport(ctx, 512)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := s.calls.RunConnection(ctx, inbound, transport)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, call.ErrDraining):
			log.Info().Msg("media stream refused during shutdown")
		default:
			log.Warn().Err(err).Msg("media stream connection ended with error")
		}
		// The session is over; closing the socket lets the call leave <Connect>.
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-transport.out:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.ProviderError("media_stream", "write")
					cancel()
					return
				}
				if ev, ok := outboundEvent(msg); ok {
					s.metrics.StreamMessage("out", string(ev))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	go func() {
		<-ctx.Done()
		// Unblock ReadMessage when the session ends first.
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseStreamMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedEvent) {
				log.Debug().Err(err).Msg("dropping invalid media stream message")
			}
			continue
		}
		if start, ok := parsed.(protocol.Start); ok {
			transport.setStreamSID(start.StreamSID)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	transport.close()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.CallEvent("ws_disconnected")
}

func (s *Server) witnessStoreMode() string {
	if s.witness == nil {
		return "disabled"
	}
	if s.storeMode == "" {
		return "memory"
	}
	return s.storeMode
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func outboundEvent(v any) (protocol.EventType, bool) {
	switch m := v.(type) {
	case protocol.Media:
		return m.Event, true
	case protocol.Mark:
		return m.Event, true
	case protocol.Clear:
		return m.Event, true
	default:
		return "", false
	}
}
