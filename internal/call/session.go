package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/audio"
	"github.com/ent0n29/callscreen/internal/notify"
	"github.com/ent0n29/callscreen/internal/observability"
	"github.com/ent0n29/callscreen/internal/oracle"
	"github.com/ent0n29/callscreen/internal/policy"
	"github.com/ent0n29/callscreen/internal/reliability"
	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/voice"
	"github.com/ent0n29/callscreen/internal/witness"
)

type State string

const (
	StateAwaitingStream State = "awaiting_stream"
	StateGreeting       State = "greeting"
	StateListening      State = "listening"
	StateProcessing     State = "processing"
	StateSpeaking       State = "speaking"
	StateEnded          State = "ended"
)

var ErrTransportClosed = errors.New("media stream transport closed")

// Transport sends audio and playback control back to the caller's leg.
// Implementations must be safe for concurrent use.
type Transport interface {
	SendMedia(payload string) error
	SendMark(name string) error
	SendClear() error
}

// WitnessCreator starts the detached witness pipeline for a decision.
type WitnessCreator interface {
	CreateWitness(ctx context.Context, callID string, data witness.DecisionData) (witness.Record, error)
}

type Config struct {
	GreetingText string
	RepromptText string
	FallbackText string
	TTS          voice.TTSOptions
	CallerSalt   string

	BargeInThreshold    time.Duration
	ShortUtteranceWords int
	TurnDebounce        time.Duration
	SilenceTimeout      time.Duration
	EndGrace            time.Duration
	PlaybackCapacity    int
	FrameMS             int

	OracleTimeout    time.Duration
	SynthesisTimeout time.Duration
	SummaryTimeout   time.Duration
	NotifyTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		GreetingText:        "Hi, you've reached an automated screening assistant. Who's calling, and what is this about?",
		RepromptText:        "Are you still there? Please tell me why you're calling.",
		FallbackText:        "Sorry, I didn't catch that. Could you say it again?",
		TTS:                 voice.TTSOptions{Language: "en", Rate: 1.0},
		BargeInThreshold:    800 * time.Millisecond,
		ShortUtteranceWords: 5,
		TurnDebounce:        1500 * time.Millisecond,
		SilenceTimeout:      12 * time.Second,
		EndGrace:            1200 * time.Millisecond,
		PlaybackCapacity:    32,
		FrameMS:             20,
		OracleTimeout:       15 * time.Second,
		SynthesisTimeout:    10 * time.Second,
		SummaryTimeout:      8 * time.Second,
		NotifyTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GreetingText == "" {
		c.GreetingText = d.GreetingText
	}
	if c.RepromptText == "" {
		c.RepromptText = d.RepromptText
	}
	if c.FallbackText == "" {
		c.FallbackText = d.FallbackText
	}
	if c.TTS.Rate <= 0 {
		c.TTS.Rate = d.TTS.Rate
	}
	if c.BargeInThreshold < 0 {
		c.BargeInThreshold = d.BargeInThreshold
	}
	if c.ShortUtteranceWords <= 0 {
		c.ShortUtteranceWords = d.ShortUtteranceWords
	}
	if c.TurnDebounce <= 0 {
		c.TurnDebounce = d.TurnDebounce
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.EndGrace < 0 {
		c.EndGrace = d.EndGrace
	}
	if c.PlaybackCapacity <= 0 {
		c.PlaybackCapacity = d.PlaybackCapacity
	}
	if c.FrameMS <= 0 {
		c.FrameMS = d.FrameMS
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = d.OracleTimeout
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = d.SynthesisTimeout
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = d.SummaryTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Deps are the collaborators shared by every session. Notifier, Witness,
// Sessions and Metrics may be nil.
type Deps struct {
	Oracle   oracle.Oracle
	TTS      voice.TTSProvider
	Notifier notify.Notifier
	Witness  WitnessCreator
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Followups tracks decision follow-up work (summary, notification,
	// witness). It outlives the call; when nil each session keeps its own.
	Followups *sync.WaitGroup
}

// touchIntervalMS throttles registry activity updates driven by media.
const touchIntervalMS = 1000

type jobKind int

const (
	jobGreeting jobKind = iota + 1
	jobReprompt
	jobTurn
)

type job struct {
	kind jobKind
	text string
}

// Session is the state machine of one screened call. Every exported method is
// safe to call from the transport reader, the transcript reader and timers.
// Oracle turns and speech run on a single worker goroutine, so at most one
// oracle call is in flight per session.
type Session struct {
	callID    string
	streamID  string
	caller    string
	cfg       Config
	deps      Deps
	transport Transport
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	turnCount        int
	decision         oracle.Decision
	confidence       float64
	greeted          bool
	speaking         bool
	responseStartMS  int64
	latestMediaMS    int64
	endAfterSpeaking bool
	greetPending     bool
	repromptPending  bool
	inFlight         bool
	queued           []string
	held             []string
	history          []oracle.Turn
	utterances       int
	playGen          uint64
	buffer           *TurnBuffer
	tracker          *PlaybackTracker
	silenceTimer     *time.Timer
	silenceGen       uint64
	endTimer         *time.Timer
	ended            bool
	endReason        string

	lastTouchMS int64

	started   bool
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	followups *sync.WaitGroup
}

func NewSession(parent context.Context, callID, streamID, caller string, t Transport, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	followups := deps.Followups
	if followups == nil {
		followups = &sync.WaitGroup{}
	}
	return &Session{
		callID:    callID,
		streamID:  streamID,
		caller:    caller,
		cfg:       cfg,
		deps:      deps,
		transport: t,
		logger:    log.With().Str("call_id", callID).Str("stream_id", streamID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateAwaitingStream,
		buffer:    NewTurnBuffer(cfg.TurnDebounce),
		tracker:   NewPlaybackTracker(cfg.PlaybackCapacity),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		followups: followups,
	}
}

func (s *Session) CallID() string { return s.callID }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the worker has returned. Decision follow-up is not
// included; see WaitFollowups.
func (s *Session) Wait() { s.wg.Wait() }

// WaitFollowups blocks until the decision follow-up tracked by the session's
// follow-up group has returned.
func (s *Session) WaitFollowups() { s.followups.Wait() }

// Start greets the caller. It is a no-op after the first call.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.ended {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateGreeting
	s.greetPending = true
	s.publishLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	s.deps.Metrics.CallEvent("start")
	s.logger.Info().Msg("call session started")
	go s.run()
	s.signal()
}

// HandleMedia advances the media clock used for barge-in timing.
func (s *Session) HandleMedia(timestampMS int64) {
	s.mu.Lock()
	if timestampMS > s.latestMediaMS {
		s.latestMediaMS = timestampMS
	}
	touch := !s.ended && s.latestMediaMS-s.lastTouchMS >= touchIntervalMS
	if touch {
		s.lastTouchMS = s.latestMediaMS
	}
	s.mu.Unlock()

	if touch && s.deps.Sessions != nil {
		_ = s.deps.Sessions.Touch(s.callID)
	}
}

// HandleMark acknowledges a playback mark echoed by the transport.
func (s *Session) HandleMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || !s.tracker.Ack(name) {
		return
	}
	if s.tracker.Empty() && s.speaking {
		s.drainedLocked()
	}
}

// Accept routes one recognizer result through filler filtering, barge-in
// detection and the turn buffer.
func (s *Session) Accept(transcript string, isFinal bool) {
	if !isFinal {
		return
	}
	text := strings.TrimSpace(transcript)
	if text == "" {
		return
	}
	if IsFiller(text) {
		s.deps.Metrics.CallEvent("filler_discarded")
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.stopSilenceLocked()

	elapsed := s.latestMediaMS - s.responseStartMS
	outcome := classifyBargeIn(s.speaking, s.decision.Terminal(), elapsed, s.cfg.BargeInThreshold.Milliseconds())
	needClear := false
	switch outcome {
	case bargeInHold:
		s.held = append(s.held, text)
		s.mu.Unlock()
		s.deps.Metrics.BargeIn(outcome.String())
		s.logger.Debug().Int64("elapsed_ms", elapsed).Msg("speech during playback held")
		return
	case bargeInInterrupt:
		needClear = !s.tracker.Empty()
		s.tracker.Clear()
		s.speaking = false
		s.held = nil
		s.playGen++
		s.state = StateListening
		s.publishLocked()
	}

	if s.decision.Terminal() {
		s.mu.Unlock()
		return
	}
	if wordCount(text) <= s.cfg.ShortUtteranceWords {
		s.buffer.Append(text, s.onDebounce)
	} else {
		s.enqueueLocked(s.buffer.Take(text))
	}
	s.mu.Unlock()

	if outcome == bargeInInterrupt {
		if needClear {
			if err := s.transport.SendClear(); err != nil {
				s.logger.Warn().Err(err).Msg("send clear failed")
			}
		}
		s.deps.Metrics.BargeIn(outcome.String())
		if s.deps.Sessions != nil {
			_ = s.deps.Sessions.Interrupt(s.callID)
		}
		s.logger.Info().Int64("elapsed_ms", elapsed).Msg("caller interrupted playback")
	}
}

// End moves the session to ended exactly once. Later calls are no-ops.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endReason = reason
	s.state = StateEnded
	s.speaking = false
	s.buffer.Reset()
	s.stopSilenceLocked()
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	s.playGen++
	s.queued = nil
	s.held = nil
	close(s.done)
	s.mu.Unlock()

	s.cancel()
	if s.deps.Sessions != nil {
		_, _ = s.deps.Sessions.End(s.callID, reason)
	}
	s.deps.Metrics.CallEvent("end_" + reason)
	s.logger.Info().Str("reason", reason).Msg("call session ended")
}

// Snapshot is a point-in-time view of the session state.
type Snapshot struct {
	State            State
	TurnCount        int
	Decision         oracle.Decision
	Greeted          bool
	Speaking         bool
	OutstandingMarks int
	DroppedMarks     int
	EndAfterSpeaking bool
	EndReason        string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:            s.state,
		TurnCount:        s.turnCount,
		Decision:         s.decision,
		Greeted:          s.greeted,
		Speaking:         s.speaking,
		OutstandingMarks: s.tracker.Len(),
		DroppedMarks:     s.tracker.Dropped(),
		EndAfterSpeaking: s.endAfterSpeaking,
		EndReason:        s.endReason,
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) enqueueLocked(text string) {
	if text == "" {
		return
	}
	s.queued = append(s.queued, text)
	s.signal()
}

func (s *Session) onDebounce(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	text, ok := s.buffer.Expire(gen)
	if !ok || s.decision.Terminal() {
		return
	}
	s.enqueueLocked(text)
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			j, ok := s.next()
			if !ok {
				break
			}
			switch j.kind {
			case jobGreeting:
				s.greet(j.text)
			case jobReprompt:
				s.reprompt(j.text)
			case jobTurn:
				s.turn(j.text)
			}
		}
	}
}

func (s *Session) next() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ended:
		return job{}, false
	case s.greetPending:
		s.greetPending = false
		return job{kind: jobGreeting, text: s.cfg.GreetingText}, true
	case s.speaking || s.decision.Terminal():
		return job{}, false
	case len(s.queued) > 0:
		input := strings.Join(s.queued, " ")
		s.queued = nil
		s.repromptPending = false
		s.inFlight = true
		s.state = StateProcessing
		s.stopSilenceLocked()
		s.publishLocked()
		return job{kind: jobTurn, text: input}, true
	case s.repromptPending:
		s.repromptPending = false
		return job{kind: jobReprompt, text: s.cfg.RepromptText}, true
	}
	return job{}, false
}

func (s *Session) greet(text string) {
	s.mu.Lock()
	s.history = append(s.history, oracle.Turn{Role: oracle.RoleAgent, Text: text})
	s.greeted = true
	s.publishLocked()
	s.mu.Unlock()
	s.deps.Metrics.CallEvent("greeting")
	s.speak(text)
}

func (s *Session) reprompt(text string) {
	s.mu.Lock()
	s.history = append(s.history, oracle.Turn{Role: oracle.RoleAgent, Text: text})
	s.mu.Unlock()
	s.deps.Metrics.CallEvent("reprompt")
	s.speak(text)
}

func (s *Session) turn(input string) {
	s.mu.Lock()
	history := append([]oracle.Turn(nil), s.history...)
	s.mu.Unlock()

	if ev := s.logger.Debug(); ev.Enabled() {
		redacted, _ := policy.RedactTranscript(input)
		ev.Str("utterance", redacted).Msg("screening turn")
	}

	turnStart := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OracleTimeout)
	resp, err := s.deps.Oracle.Respond(ctx, oracle.Request{CallID: s.callID, History: history, Input: input})
	cancel()
	s.deps.Metrics.ObserveStage("oracle", time.Since(turnStart))

	s.mu.Lock()
	s.inFlight = false
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history, oracle.Turn{Role: oracle.RoleCaller, Text: input})
	if err != nil {
		s.history = append(s.history, oracle.Turn{Role: oracle.RoleAgent, Text: s.cfg.FallbackText})
		s.mu.Unlock()
		s.providerError("oracle", err)
		s.speak(s.cfg.FallbackText)
		return
	}

	s.turnCount++
	text := resp.Text
	finalized := resp.Decision.Terminal() && !s.decision.Terminal()
	if finalized {
		s.decision = resp.Decision
		s.confidence = resp.Confidence
		s.endAfterSpeaking = true
		s.buffer.Reset()
		s.stopSilenceLocked()
		s.queued = nil
		s.repromptPending = false
	} else if strings.TrimSpace(text) == "" {
		text = s.cfg.FallbackText
	}
	if text != "" {
		s.history = append(s.history, oracle.Turn{Role: oracle.RoleAgent, Text: text})
	}
	turnCount := s.turnCount
	decision, confidence := s.decision, s.confidence
	transcript := append([]oracle.Turn(nil), s.history...)
	s.publishLocked()
	if finalized {
		s.followups.Add(1)
	}
	s.mu.Unlock()

	s.deps.Metrics.CallEvent("turn")
	if finalized {
		s.logger.Info().Str("decision", string(decision)).Float64("confidence", confidence).Msg("screening decision reached")
		s.deps.Metrics.CallEvent("decision_" + string(decision))
		go s.finalize(decision, confidence, turnCount, transcript, text)
	}
	s.speak(text)
	s.deps.Metrics.ObserveStage("turn_total", time.Since(turnStart))
}

// speak synthesizes text, streams it and tracks one playback mark for it.
// When nothing can be played the session behaves as if playback drained.
func (s *Session) speak(text string) {
	if strings.TrimSpace(text) == "" {
		s.afterSilentUtterance()
		return
	}

	synthStart := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SynthesisTimeout)
	mulaw, err := s.deps.TTS.Synthesize(ctx, text, s.cfg.TTS)
	cancel()
	s.deps.Metrics.ObserveStage("synthesis", time.Since(synthStart))
	if err == nil && len(mulaw) == 0 {
		err = errors.New("empty synthesis result")
	}
	if err != nil {
		s.providerError("tts", err)
		s.afterSilentUtterance()
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.utterances++
	mark := fmt.Sprintf("resp-%d-%d", s.turnCount, s.utterances)
	gen := s.playGen
	s.mu.Unlock()

	for _, frame := range audio.SplitFrames(mulaw, s.cfg.FrameMS) {
		if !s.playing(gen) {
			return
		}
		if err := s.transport.SendMedia(audio.EncodePayload(frame)); err != nil {
			s.transportError("media", err)
			return
		}
	}

	s.mu.Lock()
	if s.ended || s.playGen != gen {
		s.mu.Unlock()
		return
	}
	if !s.tracker.Push(mark) {
		s.deps.Metrics.CallEvent("mark_dropped")
		s.logger.Debug().Str("mark", mark).Int("dropped", s.tracker.Dropped()).Msg("playback tracker full, mark not tracked")
	}
	s.speaking = true
	s.state = StateSpeaking
	s.responseStartMS = s.latestMediaMS
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("mark", mark).Int64("audio_ms", audio.FrameDurationMS(len(mulaw))).Msg("utterance streamed")
	if err := s.transport.SendMark(mark); err != nil {
		s.transportError("mark", err)
	}
}

func (s *Session) playing(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.playGen == gen
}

func (s *Session) afterSilentUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.speaking {
		return
	}
	s.drainedLocked()
}

// drainedLocked runs when playback has finished: end the call after the grace
// period if a decision is pending, otherwise resume listening.
func (s *Session) drainedLocked() {
	s.speaking = false
	if s.endAfterSpeaking {
		if s.endTimer == nil {
			s.endTimer = time.AfterFunc(s.cfg.EndGrace, func() { s.End("decision") })
		}
		s.publishLocked()
		return
	}
	s.state = StateListening
	if len(s.held) > 0 {
		s.queued = append(s.queued, strings.Join(s.held, " "))
		s.held = nil
	}
	if len(s.queued) > 0 {
		s.signal()
	} else {
		s.armSilenceLocked()
	}
	s.publishLocked()
}

func (s *Session) armSilenceLocked() {
	s.stopSilenceLocked()
	gen := s.silenceGen
	s.silenceTimer = time.AfterFunc(s.cfg.SilenceTimeout, func() { s.onSilence(gen) })
}

func (s *Session) stopSilenceLocked() {
	s.silenceGen++
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

func (s *Session) onSilence(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.silenceGen || s.ended || s.inFlight || s.speaking || s.decision.Terminal() {
		return
	}
	if len(s.queued) > 0 || s.buffer.Len() > 0 {
		return
	}
	s.repromptPending = true
	s.signal()
}

// finalize runs the decision follow-up. Every step is best effort and none
// of them touches the live call.
func (s *Session) finalize(decision oracle.Decision, confidence float64, turnCount int, transcript []oracle.Turn, closingLine string) {
	defer s.followups.Done()
	decidedAt := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SummaryTimeout)
	summary, err := s.deps.Oracle.Summarize(ctx, s.callID, transcript)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Msg("call summary failed")
		summary = ""
	}
	reason := strings.TrimSpace(summary)
	if reason == "" {
		reason = closingLine
	}

	if s.deps.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		err := s.deps.Notifier.Notify(ctx, notify.Event{
			CallID:     s.callID,
			Decision:   string(decision),
			Summary:    reason,
			Confidence: confidence,
			CallerHash: policy.HashCallerID(s.cfg.CallerSalt, s.caller),
			TurnCount:  turnCount,
			DecidedAt:  decidedAt,
		})
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("decision notification failed")
		}
	}

	if s.deps.Witness != nil {
		rec, err := s.deps.Witness.CreateWitness(context.Background(), s.callID, witness.DecisionData{
			Decision:   string(decision),
			Reason:     reason,
			Confidence: confidence,
			Caller:     s.caller,
			DecidedAt:  decidedAt,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("witness creation failed")
			return
		}
		s.logger.Info().Str("witness_id", rec.ID).Msg("witness pipeline scheduled")
	}
}

func (s *Session) providerError(provider string, err error) {
	code := "error"
	var upstream *reliability.UpstreamError
	switch {
	case errors.As(err, &upstream) && upstream.StatusCode > 0:
		code = fmt.Sprintf("%d", upstream.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	case errors.Is(err, context.Canceled):
		return
	}
	s.deps.Metrics.ProviderError(provider, code)
	s.logger.Warn().Err(err).Str("provider", provider).Msg("turn degraded after upstream failure")
}

func (s *Session) transportError(what string, err error) {
	if errors.Is(err, ErrTransportClosed) {
		s.logger.Debug().Str("send", what).Msg("transport closed, dropping outbound message")
		return
	}
	s.logger.Warn().Err(err).Str("send", what).Msg("transport send failed")
}

func (s *Session) publishLocked() {
	if s.deps.Sessions == nil {
		return
	}
	state, turns, decision := string(s.state), s.turnCount, string(s.decision)
	greeted, speaking := s.greeted, s.speaking
	_ = s.deps.Sessions.Update(s.callID, func(info *session.Info) {
		info.State = state
		info.TurnCount = turns
		info.Decision = decision
		info.Greeted = greeted
		info.Speaking = speaking
	})
}
