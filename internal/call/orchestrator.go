package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/audio"
	"github.com/ent0n29/callscreen/internal/protocol"
	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/voice"
)

// sttChunkBytes is 100 ms of PCM16 at 8 kHz.
const sttChunkBytes = 1600

// ErrDraining is returned for connections that arrive after Drain started.
var ErrDraining = errors.New("call orchestrator draining")

// Orchestrator runs call sessions over media-stream connections. Decision
// follow-up of every session is tracked here rather than on the connection,
// so a call hangs up without waiting for it.
type Orchestrator struct {
	cfg  Config
	stt  voice.STTProvider
	deps Deps

	mu       sync.Mutex
	live     map[string]*Session
	draining bool

	conns     sync.WaitGroup
	followups sync.WaitGroup
}

func NewOrchestrator(cfg Config, stt voice.STTProvider, deps Deps) *Orchestrator {
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(0, 0)
	}
	o := &Orchestrator{
		cfg:  cfg.withDefaults(),
		stt:  stt,
		live: make(map[string]*Session),
	}
	deps.Followups = &o.followups
	o.deps = deps
	return o
}

// Drain refuses new connections, then waits for live connections and for
// every decision follow-up they started, until ctx is done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Follow-ups are added by session workers, which finish before their
		// connection is released, so no Add races the second Wait.
		o.conns.Wait()
		o.followups.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) Sessions() *session.Manager { return o.deps.Sessions }

// EndCall ends a live session from outside its connection, for example when
// the session registry expires it. It reports whether a session was found.
func (o *Orchestrator) EndCall(callID, reason string) bool {
	o.mu.Lock()
	s, ok := o.live[callID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	s.End(reason)
	return true
}

// RunConnection drives one media-stream connection until the stream stops,
// inbound closes, ctx is cancelled or the session ends on a decision.
// inbound carries parsed protocol messages in arrival order.
func (o *Orchestrator) RunConnection(ctx context.Context, inbound <-chan any, transport Transport) error {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return ErrDraining
	}
	o.conns.Add(1)
	o.mu.Unlock()
	defer o.conns.Done()

	var (
		sess      *Session
		sttSess   voice.STTSession
		readers   sync.WaitGroup
		pcm       []byte
		endReason = "transport_closed"
	)
	defer func() {
		if sess == nil {
			return
		}
		sess.End(endReason)
		if sttSess != nil {
			_ = sttSess.Close()
		}
		readers.Wait()
		sess.Wait()
		o.mu.Lock()
		if o.live[sess.callID] == sess {
			delete(o.live, sess.callID)
		}
		o.mu.Unlock()
		o.deps.Metrics.CallActive(-1)
	}()

	for {
		var sessDone <-chan struct{}
		if sess != nil {
			sessDone = sess.Done()
		}

		select {
		case <-ctx.Done():
			endReason = "shutdown"
			return ctx.Err()
		case <-sessDone:
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.Connected:
				o.deps.Metrics.StreamMessage("in", string(protocol.EventConnected))
				log.Debug().Str("protocol", m.Protocol).Msg("media stream connected")

			case protocol.Start:
				o.deps.Metrics.StreamMessage("in", string(protocol.EventStart))
				if sess != nil {
					log.Warn().Str("call_id", sess.callID).Msg("duplicate stream start ignored")
					continue
				}
				callID := m.Start.CallSID
				if _, err := o.deps.Sessions.Register(callID, m.StreamSID); err != nil {
					return fmt.Errorf("register call %s: %w", callID, err)
				}
				sess = NewSession(ctx, callID, m.StreamSID, m.CallerNumber(), transport, o.cfg, o.deps)
				o.mu.Lock()
				o.live[callID] = sess
				o.mu.Unlock()
				o.deps.Metrics.CallActive(1)

				if o.stt != nil {
					st, events, err := o.stt.StartSession(ctx, callID)
					if err != nil {
						o.deps.Metrics.ProviderError("stt", "connect")
						log.Error().Err(err).Str("call_id", callID).Msg("transcription unavailable for call")
					} else {
						sttSess = st
						readers.Add(1)
						go func() {
							defer readers.Done()
							o.readTranscripts(sess, events)
						}()
					}
				}
				sess.Start()

			case protocol.Media:
				if sess == nil {
					continue
				}
				if ts, err := audio.ParseTimestamp(m.Media.Timestamp); err == nil {
					sess.HandleMedia(ts)
				}
				if sttSess == nil {
					continue
				}
				frame, err := audio.DecodePayloadPCM16(m.Media.Payload)
				if err != nil {
					log.Debug().Err(err).Str("call_id", sess.callID).Msg("dropping undecodable media frame")
					continue
				}
				pcm = append(pcm, frame...)
				if len(pcm) < sttChunkBytes {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err = sttSess.SendAudio(sendCtx, pcm)
				cancel()
				pcm = pcm[:0]
				if err != nil {
					o.deps.Metrics.ProviderError("stt", "send")
					log.Debug().Err(err).Str("call_id", sess.callID).Msg("transcription send failed")
				}

			case protocol.Mark:
				o.deps.Metrics.StreamMessage("in", string(protocol.EventMark))
				if sess != nil {
					sess.HandleMark(m.Mark.Name)
				}

			case protocol.DTMF:
				o.deps.Metrics.StreamMessage("in", string(protocol.EventDTMF))

			case protocol.Stop:
				o.deps.Metrics.StreamMessage("in", string(protocol.EventStop))
				endReason = "stop"
				return nil
			}
		}
	}
}

// readTranscripts feeds recognizer events to the session in recognizer order.
func (o *Orchestrator) readTranscripts(sess *Session, events <-chan voice.STTEvent) {
	for ev := range events {
		switch ev.Type {
		case voice.STTEventFinal:
			sess.Accept(ev.Text, true)
		case voice.STTEventPartial:
			sess.Accept(ev.Text, false)
		case voice.STTEventError:
			o.deps.Metrics.ProviderError("stt", ev.Code)
			log.Warn().Str("call_id", sess.callID).Str("code", ev.Code).Str("detail", ev.Detail).Msg("transcription error")
		}
	}
}
