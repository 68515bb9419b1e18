package call

import (
	"strings"
	"time"
	"unicode"
)

var fillerPhrases = map[string]struct{}{
	"uh": {}, "um": {}, "uhm": {}, "hmm": {}, "mm": {}, "mhm": {}, "ah": {}, "er": {}, "erm": {},
	"okay": {}, "ok": {}, "yeah": {}, "yes": {}, "right": {}, "sure": {}, "huh": {}, "oh": {},
	"uh huh": {}, "uh-huh": {}, "mm hmm": {}, "mm-hmm": {},
}

// normalizeFragment lowercases a transcript fragment and strips trailing
// punctuation and spaces.
func normalizeFragment(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// IsFiller reports whether a finalized fragment carries no content worth a turn.
func IsFiller(text string) bool {
	_, ok := fillerPhrases[normalizeFragment(text)]
	return ok
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

type bargeInOutcome int

const (
	bargeInNone bargeInOutcome = iota
	bargeInHold
	bargeInInterrupt
)

func (o bargeInOutcome) String() string {
	switch o {
	case bargeInHold:
		return "held"
	case bargeInInterrupt:
		return "interrupted"
	default:
		return "none"
	}
}

// classifyBargeIn decides what caller speech during playback means. Speech
// that lands within threshold of the response start is treated as recognizer
// lag and held; later speech interrupts unless the closing line is playing.
func classifyBargeIn(speaking, terminal bool, elapsedMS, threshold int64) bargeInOutcome {
	if !speaking {
		return bargeInNone
	}
	if terminal {
		return bargeInHold
	}
	if elapsedMS < threshold {
		return bargeInHold
	}
	return bargeInInterrupt
}

// TurnBuffer collects short caller fragments until the caller pauses. It is
// not safe for concurrent use; the owning session serializes access.
type TurnBuffer struct {
	parts    []string
	debounce time.Duration
	timer    *time.Timer
	gen      uint64
}

func NewTurnBuffer(debounce time.Duration) *TurnBuffer {
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}
	return &TurnBuffer{debounce: debounce}
}

// Append adds a fragment and re-arms the debounce timer. onExpire receives the
// generation that armed it; a stale generation means the timer lost a race
// with a newer fragment or a flush.
func (b *TurnBuffer) Append(fragment string, onExpire func(gen uint64)) {
	b.parts = append(b.parts, strings.TrimSpace(fragment))
	b.stopTimer()
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.debounce, func() { onExpire(gen) })
}

// Take returns the buffered text joined with fragment and empties the buffer.
func (b *TurnBuffer) Take(fragment string) string {
	parts := append(b.parts, strings.TrimSpace(fragment))
	b.Reset()
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Expire returns the buffered text if gen is still current.
func (b *TurnBuffer) Expire(gen uint64) (string, bool) {
	if gen != b.gen || len(b.parts) == 0 {
		return "", false
	}
	return b.Take(""), true
}

// Reset drops buffered text and cancels the timer.
func (b *TurnBuffer) Reset() {
	b.parts = nil
	b.stopTimer()
	b.gen++
}

func (b *TurnBuffer) Len() int { return len(b.parts) }

func (b *TurnBuffer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
