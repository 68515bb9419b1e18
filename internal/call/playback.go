package call

// PlaybackTracker is a bounded FIFO of outstanding playback marks. Marks are
// acknowledged in send order; an unknown mark is ignored. Access is serialized
// by the owning session.
type PlaybackTracker struct {
	marks    []string
	capacity int
	dropped  int
}

func NewPlaybackTracker(capacity int) *PlaybackTracker {
	if capacity <= 0 {
		capacity = 32
	}
	return &PlaybackTracker{capacity: capacity}
}

// Push tracks a mark. At capacity the mark is not tracked and Push reports false.
func (t *PlaybackTracker) Push(name string) bool {
	if len(t.marks) >= t.capacity {
		t.dropped++
		return false
	}
	t.marks = append(t.marks, name)
	return true
}

// Ack removes name and every mark sent before it. It reports whether name was
// outstanding.
func (t *PlaybackTracker) Ack(name string) bool {
	for i, m := range t.marks {
		if m == name {
			t.marks = append(t.marks[:0], t.marks[i+1:]...)
			return true
		}
	}
	return false
}

func (t *PlaybackTracker) Clear() { t.marks = t.marks[:0] }

func (t *PlaybackTracker) Len() int { return len(t.marks) }

func (t *PlaybackTracker) Empty() bool { return len(t.marks) == 0 }

func (t *PlaybackTracker) Dropped() int { return t.dropped }
