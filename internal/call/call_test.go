package call

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callscreen/internal/oracle"
	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/voice"
	"github.com/ent0n29/callscreen/internal/witness"
)

type fakeTransport struct {
	mu      sync.Mutex
	media   int
	marks   []string
	clears  int
	closed  bool
	onMark  func(name string)
	onClear func()
}

func (f *fakeTransport) SendMedia(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	f.media++
	return nil
}

func (f *fakeTransport) SendMark(name string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	f.marks = append(f.marks, name)
	hook := f.onMark
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil
}

func (f *fakeTransport) SendClear() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	f.clears++
	hook := f.onClear
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) Marks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeTransport) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeTransport) MediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media
}

type fakeOracle struct {
	mu        sync.Mutex
	inputs    []string
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	gate      chan struct{}
	respond   func(req oracle.Request) (oracle.Response, error)
	summaries atomic.Int32
}

func (f *fakeOracle) Respond(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxFlight.Load()
		if n <= cur || f.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, req.Input)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return oracle.Response{}, ctx.Err()
		}
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return oracle.Response{Text: "Thanks. Anything else?"}, nil
}

func (f *fakeOracle) Summarize(context.Context, string, []oracle.Turn) (string, error) {
	f.summaries.Add(1)
	return "caller wants to sell a warranty", nil
}

func (f *fakeOracle) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeTTS) Synthesize(_ context.Context, text string, _ voice.TTSOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return bytes.Repeat([]byte{0xFF}, 320), nil
}

func (f *fakeTTS) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeWitness struct {
	mu    sync.Mutex
	calls []witness.DecisionData
	ids   []string
}

func (f *fakeWitness) CreateWitness(_ context.Context, callID string, data witness.DecisionData) (witness.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	f.ids = append(f.ids, callID)
	return witness.Record{ID: "wit_test", CallID: callID, Status: witness.StatusPending}, nil
}

func (f *fakeWitness) Calls() []witness.DecisionData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]witness.DecisionData(nil), f.calls...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TurnDebounce = 40 * time.Millisecond
	cfg.SilenceTimeout = time.Hour
	cfg.EndGrace = 20 * time.Millisecond
	return cfg
}

type harness struct {
	sess      *Session
	transport *fakeTransport
	oracle    *fakeOracle
	tts       *fakeTTS
	witness   *fakeWitness
	sessions  *session.Manager
}

func newHarness(t *testing.T, cfg Config, autoAck bool) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		oracle:    &fakeOracle{},
		tts:       &fakeTTS{},
		witness:   &fakeWitness{},
		sessions:  session.NewManager(time.Minute, time.Minute),
	}
	if _, err := h.sessions.Register("CA-test", "MZ-test"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.sess = NewSession(context.Background(), "CA-test", "MZ-test", "+15550102000", h.transport, cfg, Deps{
		Oracle:   h.oracle,
		TTS:      h.tts,
		Witness:  h.witness,
		Sessions: h.sessions,
	})
	if autoAck {
		h.transport.onMark = h.sess.HandleMark
	}
	t.Cleanup(func() {
		h.sess.End("test_cleanup")
		h.sess.Wait()
		h.sess.WaitFollowups()
	})
	return h
}

// startListening greets and acknowledges the greeting so the session listens.
func (h *harness) startListening(t *testing.T) {
	t.Helper()
	h.sess.Start()
	waitFor(t, "greeting mark", func() bool { return len(h.transport.Marks()) == 1 })
	if !h.sess.Snapshot().Speaking {
		h.sess.HandleMark(h.transport.Marks()[0])
	}
	waitFor(t, "listening", func() bool { return h.sess.Snapshot().State == StateListening })
}

func TestIsFiller(t *testing.T) {
	for _, text := range []string{"uh", "Um.", "  Okay! ", "uh huh", "Mm-hmm", "YES", "right?"} {
		if !IsFiller(text) {
			t.Fatalf("IsFiller(%q) = false, want true", text)
		}
	}
	for _, text := range []string{"uh I need", "hello", "okay so", "yes please call back"} {
		if IsFiller(text) {
			t.Fatalf("IsFiller(%q) = true, want false", text)
		}
	}
}

func TestClassifyBargeIn(t *testing.T) {
	tests := []struct {
		name     string
		speaking bool
		terminal bool
		elapsed  int64
		want     bargeInOutcome
	}{
		{"not speaking", false, false, 5000, bargeInNone},
		{"recognizer lag", true, false, 799, bargeInHold},
		{"at threshold", true, false, 800, bargeInInterrupt},
		{"closing line", true, true, 5000, bargeInHold},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyBargeIn(tc.speaking, tc.terminal, tc.elapsed, 800); got != tc.want {
				t.Fatalf("classifyBargeIn() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTurnBufferJoinsAndExpires(t *testing.T) {
	b := NewTurnBuffer(time.Hour)
	var fired []uint64
	b.Append(" hello ", func(gen uint64) { fired = append(fired, gen) })
	b.Append("it's Sam", func(gen uint64) { fired = append(fired, gen) })
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	if _, ok := b.Expire(b.gen - 1); ok {
		t.Fatalf("stale generation flushed the buffer")
	}
	text, ok := b.Expire(b.gen)
	if !ok || text != "hello it's Sam" {
		t.Fatalf("Expire() = %q, %v", text, ok)
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not emptied")
	}
	b.Append("from the clinic", func(uint64) {})
	if got := b.Take("about tomorrow's appointment"); got != "from the clinic about tomorrow's appointment" {
		t.Fatalf("Take() = %q", got)
	}
	if got := b.Take("alone"); got != "alone" {
		t.Fatalf("Take() on empty buffer = %q", got)
	}
	if len(fired) != 0 {
		t.Fatalf("timer fired early: %v", fired)
	}
}

func TestPlaybackTrackerBoundedFIFO(t *testing.T) {
	tr := NewPlaybackTracker(2)
	if !tr.Push("a") || !tr.Push("b") {
		t.Fatalf("Push within capacity failed")
	}
	if tr.Push("c") {
		t.Fatalf("Push over capacity reported tracked")
	}
	if tr.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", tr.Dropped())
	}
	if tr.Ack("zzz") {
		t.Fatalf("Ack(unknown) = true")
	}
	if !tr.Ack("b") || !tr.Empty() {
		t.Fatalf("Ack(b) should release a and b, len = %d", tr.Len())
	}
}

func TestFillerNeverReachesOracle(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.startListening(t)

	h.sess.Accept("uh", true)
	h.sess.Accept("Okay.", true)
	h.sess.Accept("mm hmm", true)
	time.Sleep(120 * time.Millisecond)
	if got := h.oracle.Inputs(); len(got) != 0 {
		t.Fatalf("oracle inputs = %v, want none", got)
	}
}

func TestPartialTranscriptsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.startListening(t)

	h.sess.Accept("I have a quote for you today", false)
	h.sess.Accept("   ", true)
	time.Sleep(80 * time.Millisecond)
	if got := h.oracle.Inputs(); len(got) != 0 {
		t.Fatalf("oracle inputs = %v, want none", got)
	}
}

func TestFillerThenLongFragmentFlushesImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.TurnDebounce = time.Hour
	h := newHarness(t, cfg, true)
	h.startListening(t)

	h.sess.Accept("uh", true)
	h.sess.Accept("I have a quote for you", true)

	waitFor(t, "oracle call", func() bool { return len(h.oracle.Inputs()) == 1 })
	if got := h.oracle.Inputs()[0]; got != "I have a quote for you" {
		t.Fatalf("oracle input = %q", got)
	}
}

func TestShortFragmentsJoinInArrivalOrder(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.startListening(t)

	h.sess.Accept("hello", true)
	h.sess.Accept("this is Dana", true)
	h.sess.Accept("from the pharmacy", true)

	waitFor(t, "debounced flush", func() bool { return len(h.oracle.Inputs()) == 1 })
	if got := h.oracle.Inputs()[0]; got != "hello this is Dana from the pharmacy" {
		t.Fatalf("oracle input = %q", got)
	}
}

func TestShortFragmentsPrependedToLongFragment(t *testing.T) {
	cfg := testConfig()
	cfg.TurnDebounce = time.Hour
	h := newHarness(t, cfg, true)
	h.startListening(t)

	h.sess.Accept("hi there", true)
	h.sess.Accept("I am calling about your car's extended warranty", true)

	waitFor(t, "oracle call", func() bool { return len(h.oracle.Inputs()) == 1 })
	if got := h.oracle.Inputs()[0]; got != "hi there I am calling about your car's extended warranty" {
		t.Fatalf("oracle input = %q", got)
	}
}

func TestSpeechBelowBargeInThresholdIsHeld(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.sess.Start()
	waitFor(t, "greeting playing", func() bool { return h.sess.Snapshot().Speaking })

	h.sess.HandleMedia(300)
	h.sess.Accept("sorry who is this calling please", true)
	time.Sleep(60 * time.Millisecond)

	if h.transport.Clears() != 0 {
		t.Fatalf("clears = %d, want 0", h.transport.Clears())
	}
	if !h.sess.Snapshot().Speaking {
		t.Fatalf("playback interrupted below threshold")
	}
	if len(h.oracle.Inputs()) != 0 {
		t.Fatalf("held speech reached the oracle during playback")
	}

	h.sess.HandleMark(h.transport.Marks()[0])
	waitFor(t, "held speech replayed", func() bool { return len(h.oracle.Inputs()) == 1 })
	if got := h.oracle.Inputs()[0]; got != "sorry who is this calling please" {
		t.Fatalf("oracle input = %q", got)
	}
}

func TestSpeechAboveBargeInThresholdInterruptsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.TurnDebounce = time.Hour
	h := newHarness(t, cfg, false)
	h.sess.Start()
	waitFor(t, "greeting playing", func() bool { return h.sess.Snapshot().Speaking })

	h.sess.HandleMedia(200)
	h.sess.Accept("wait", true)
	h.sess.HandleMedia(1500)
	h.sess.Accept("I need to reschedule my appointment please", true)

	if h.transport.Clears() != 1 {
		t.Fatalf("clears = %d, want 1", h.transport.Clears())
	}
	snap := h.sess.Snapshot()
	if snap.Speaking || snap.OutstandingMarks != 0 {
		t.Fatalf("snapshot after interrupt = %+v", snap)
	}
	waitFor(t, "interrupting speech processed", func() bool { return len(h.oracle.Inputs()) == 1 })
	if got := h.oracle.Inputs()[0]; got != "I need to reschedule my appointment please" {
		t.Fatalf("oracle input = %q, held fragment should be discarded", got)
	}

	info, err := h.sessions.Get("CA-test")
	if err != nil || info.InterruptionCount != 1 {
		t.Fatalf("session info = %+v, %v", info, err)
	}
}

func TestOracleIsSingleFlight(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.oracle.gate = make(chan struct{})
	h.startListening(t)

	h.sess.Accept("first thing I wanted to say today", true)
	waitFor(t, "first oracle call", func() bool { return len(h.oracle.Inputs()) == 1 })

	h.sess.Accept("second thing I wanted to say today", true)
	h.sess.Accept("third thing I wanted to say today", true)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.oracle.Inputs()); n != 1 {
		t.Fatalf("oracle calls while one in flight = %d, want 1", n)
	}

	close(h.oracle.gate)
	waitFor(t, "merged second call", func() bool { return len(h.oracle.Inputs()) == 2 })
	if got := h.oracle.Inputs()[1]; got != "second thing I wanted to say today third thing I wanted to say today" {
		t.Fatalf("merged input = %q", got)
	}
	if m := h.oracle.maxFlight.Load(); m != 1 {
		t.Fatalf("max in-flight oracle calls = %d, want 1", m)
	}
}

func TestDecisionCreatesWitnessAndEndsAfterDrain(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.oracle.respond = func(oracle.Request) (oracle.Response, error) {
		return oracle.Response{Text: "Thanks, they aren't interested. Goodbye.", Decision: oracle.DecisionReject, Confidence: 0.9}, nil
	}
	h.startListening(t)

	h.sess.Accept("I have an amazing offer on extended warranties", true)
	waitFor(t, "witness creation", func() bool { return len(h.witness.Calls()) == 1 })
	waitFor(t, "closing line playing", func() bool { return len(h.transport.Marks()) == 2 })

	call := h.witness.Calls()[0]
	if call.Decision != "reject" || call.Reason != "caller wants to sell a warranty" || call.Caller != "+15550102000" {
		t.Fatalf("witness data = %+v", call)
	}

	time.Sleep(60 * time.Millisecond)
	select {
	case <-h.sess.Done():
		t.Fatalf("session ended before the closing line drained")
	default:
	}
	snap := h.sess.Snapshot()
	if !snap.EndAfterSpeaking || snap.Decision != oracle.DecisionReject {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.sess.HandleMedia(5000)
	h.sess.Accept("no wait please listen to me", true)
	if h.transport.Clears() != 0 {
		t.Fatalf("closing line was interrupted")
	}

	h.sess.HandleMark(h.transport.Marks()[1])
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end after drain")
	}
	if got := h.sess.Snapshot().EndReason; got != "decision" {
		t.Fatalf("end reason = %q", got)
	}
	info, _ := h.sessions.Get("CA-test")
	if info.Status != session.StatusEnded || info.Decision != "reject" {
		t.Fatalf("session info = %+v", info)
	}
	if n := len(h.oracle.Inputs()); n != 1 {
		t.Fatalf("oracle calls = %d, want 1", n)
	}
}

func TestDebouncedFragmentDiscardedAfterDecision(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.oracle.respond = func(oracle.Request) (oracle.Response, error) {
		return oracle.Response{Text: "Goodbye.", Decision: oracle.DecisionAccept}, nil
	}
	h.startListening(t)

	h.sess.Accept("it's your doctor's office calling", true)
	waitFor(t, "decision", func() bool { return h.sess.Snapshot().Decision == oracle.DecisionAccept })
	h.sess.HandleMark(h.transport.Marks()[len(h.transport.Marks())-1])
	h.sess.Accept("okay bye", true)
	time.Sleep(80 * time.Millisecond)
	if n := len(h.oracle.Inputs()); n != 1 {
		t.Fatalf("oracle calls = %d, want 1", n)
	}
}

func TestOracleFailureSpeaksFallback(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.oracle.respond = func(oracle.Request) (oracle.Response, error) {
		return oracle.Response{}, errors.New("upstream 503")
	}
	h.startListening(t)

	h.sess.Accept("hello is anyone there at all", true)
	waitFor(t, "fallback spoken", func() bool {
		texts := h.tts.Texts()
		return len(texts) == 2 && texts[1] == DefaultConfig().FallbackText
	})
	waitFor(t, "listening again", func() bool { return h.sess.Snapshot().State == StateListening })
	select {
	case <-h.sess.Done():
		t.Fatalf("session ended after oracle failure")
	default:
	}
}

func TestSynthesisFailureKeepsListening(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.tts.err = errors.New("tts down")
	h.sess.Start()
	waitFor(t, "listening after failed greeting", func() bool { return h.sess.Snapshot().State == StateListening })
	if !h.sess.Snapshot().Greeted {
		t.Fatalf("greeted = false")
	}
	if h.transport.MediaCount() != 0 {
		t.Fatalf("media sent despite synthesis failure")
	}
}

func TestSilenceReprompts(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, true)
	h.startListening(t)

	waitFor(t, "reprompt", func() bool {
		for _, text := range h.tts.Texts() {
			if text == cfg.RepromptText {
				return true
			}
		}
		return false
	})
	if len(h.oracle.Inputs()) != 0 {
		t.Fatalf("reprompt called the oracle")
	}
}

func TestClosedTransportLeavesStateIntact(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	h.transport.closed = true
	h.sess.Start()
	time.Sleep(40 * time.Millisecond)
	snap := h.sess.Snapshot()
	if snap.Speaking || snap.OutstandingMarks != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	select {
	case <-h.sess.Done():
		t.Fatalf("session ended on closed transport send")
	default:
	}
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	h.startListening(t)
	h.sess.End("stop")
	h.sess.End("transport_closed")
	h.sess.Wait()

	if got := h.sess.Snapshot(); got.State != StateEnded || got.EndReason != "stop" {
		t.Fatalf("snapshot = %+v", got)
	}
	h.sess.Accept("are you still there hello hello", true)
	time.Sleep(60 * time.Millisecond)
	if len(h.oracle.Inputs()) != 0 {
		t.Fatalf("oracle called after end")
	}
	if strings.Join(h.tts.Texts(), "|") != DefaultConfig().GreetingText {
		t.Fatalf("tts texts after end = %v", h.tts.Texts())
	}
}

func TestSpeakPastTrackerCapacityStillPlays(t *testing.T) {
	cfg := testConfig()
	cfg.PlaybackCapacity = 1
	h := newHarness(t, cfg, false)
	h.sess.mu.Lock()
	h.sess.tracker.Push("resp-stale")
	h.sess.mu.Unlock()
	h.sess.HandleMedia(4200)

	h.sess.Start()
	waitFor(t, "greeting mark", func() bool { return len(h.transport.Marks()) == 1 })

	snap := h.sess.Snapshot()
	if snap.DroppedMarks != 1 || snap.OutstandingMarks != 1 {
		t.Fatalf("dropped = %d outstanding = %d, want 1 and 1", snap.DroppedMarks, snap.OutstandingMarks)
	}
	if !snap.Speaking || snap.State != StateSpeaking {
		t.Fatalf("snapshot = %+v, want speaking", snap)
	}
	if h.transport.MediaCount() == 0 {
		t.Fatalf("greeting media not sent past tracker capacity")
	}
	h.sess.mu.Lock()
	start := h.sess.responseStartMS
	h.sess.mu.Unlock()
	if start != 4200 {
		t.Fatalf("response start = %d, want 4200", start)
	}

	h.sess.HandleMark("resp-stale")
	waitFor(t, "listening after drain", func() bool { return h.sess.Snapshot().State == StateListening })
}

func TestMediaKeepsRegistryEntryActive(t *testing.T) {
	h := newHarness(t, testConfig(), false)
	lastActivity := func() time.Time {
		info, err := h.sessions.Get("CA-test")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		return info.LastActivityAt
	}

	registered := lastActivity()
	time.Sleep(5 * time.Millisecond)
	h.sess.HandleMedia(1000)
	touched := lastActivity()
	if !touched.After(registered) {
		t.Fatalf("LastActivityAt = %v, want after %v", touched, registered)
	}

	time.Sleep(5 * time.Millisecond)
	h.sess.HandleMedia(1500)
	if got := lastActivity(); !got.Equal(touched) {
		t.Fatalf("media within a second touched the registry again: %v", got)
	}

	time.Sleep(5 * time.Millisecond)
	h.sess.HandleMedia(2100)
	if got := lastActivity(); !got.After(touched) {
		t.Fatalf("LastActivityAt = %v, want after %v", got, touched)
	}
}
