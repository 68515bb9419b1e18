// Package notify carries best-effort side-channel notifications for finalized
// screening decisions. Failures are reported to the caller but must never
// affect call flow.
package notify

import (
	"context"
	"errors"
	"time"
)

// Event describes one finalized screening decision. CallerHash is already
// one-way hashed; raw caller ids never reach a notifier.
type Event struct {
	CallID     string    `json:"call_id"`
	Decision   string    `json:"decision"`
	Summary    string    `json:"summary,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CallerHash string    `json:"caller_hash,omitempty"`
	TurnCount  int       `json:"turn_count"`
	DecidedAt  time.Time `json:"decided_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
