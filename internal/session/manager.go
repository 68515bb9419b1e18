package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound      = errors.New("call session not found")
	ErrAlreadyActive = errors.New("call session already active")
)

// Info is a read-only snapshot of one call session.
type Info struct {
	CallID            string     `json:"call_id"`
	StreamID          string     `json:"stream_id"`
	Status            Status     `json:"status"`
	State             string     `json:"state"`
	TurnCount         int        `json:"turn_count"`
	Decision          string     `json:"decision,omitempty"`
	Greeted           bool       `json:"greeted"`
	Speaking          bool       `json:"speaking"`
	InterruptionCount int        `json:"interruption_count"`
	EndReason         string     `json:"end_reason,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Manager indexes call sessions by call id. It enforces at most one live
// session per call id and keeps ended sessions for the retention window.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Info
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Info)
}

func NewManager(inactivityTimeout, retention time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Info),
		inactivityTimeout: inactivityTimeout,
		retention:         retention,
	}
}

// SetExpireHook registers a callback for live sessions that went quiet past the
// inactivity timeout. The hook runs outside the manager lock.
func (m *Manager) SetExpireHook(hook func(*Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Register(callID, streamID string) (*Info, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[callID]; ok && existing.Status == StatusActive {
		return nil, ErrAlreadyActive
	}
	info := &Info{
		CallID:         callID,
		StreamID:       streamID,
		Status:         StatusActive,
		State:          "awaiting_stream",
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[callID] = info
	return clone(info), nil
}

func (m *Manager) Get(callID string) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(info), nil
}

// Update applies fn to the live session and bumps its activity time.
// Ended sessions are frozen.
func (m *Manager) Update(callID string, fn func(*Info)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if info.Status != StatusActive {
		return nil
	}
	fn(info)
	info.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(callID string) error {
	return m.Update(callID, func(*Info) {})
}

func (m *Manager) Interrupt(callID string) error {
	return m.Update(callID, func(info *Info) {
		info.InterruptionCount++
		info.Speaking = false
	})
}

func (m *Manager) End(callID, reason string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if info.Status == StatusActive {
		now := time.Now().UTC()
		info.Status = StatusEnded
		info.State = "ended"
		info.Speaking = false
		info.EndReason = reason
		info.EndedAt = &now
		info.LastActivityAt = now
	}
	return clone(info), nil
}

func (m *Manager) List() []*Info {
	m.mu.RLock()
	out := make([]*Info, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, clone(info))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, info := range m.sessions {
		if info.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	now := time.Now().UTC()
	var expired []*Info

	m.mu.Lock()
	for id, info := range m.sessions {
		switch info.Status {
		case StatusActive:
			if now.Sub(info.LastActivityAt) >= m.inactivityTimeout {
				expired = append(expired, clone(info))
			}
		case StatusEnded:
			if info.EndedAt != nil && now.Sub(*info.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, info := range expired {
			hook(info)
		}
	}
}

func clone(info *Info) *Info {
	c := *info
	if info.EndedAt != nil {
		t := *info.EndedAt
		c.EndedAt = &t
	}
	return &c
}
