package witness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// MockServices answers all three witness steps locally. It backs
// WITNESS_MODE=mock for demos and local development.
type MockServices struct {
	Delay time.Duration
	block atomic.Uint64
}

func NewMockServices(delay time.Duration) *MockServices {
	m := &MockServices{Delay: delay}
	m.block.Store(1_000_000)
	return m
}

func (m *MockServices) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *MockServices) Attest(ctx context.Context, url string) (Attestation, error) {
	if err := m.wait(ctx); err != nil {
		return Attestation{}, err
	}
	payload := []byte(fmt.Sprintf(`{"url":%q,"captured_at":%d}`, url, time.Now().UnixMilli()))
	return Attestation{ID: "att_" + shortRef(payload), Payload: payload}, nil
}

func (m *MockServices) Compress(ctx context.Context, att Attestation, queries []string) (Proof, error) {
	if err := m.wait(ctx); err != nil {
		return Proof{}, err
	}
	h := sha256.New()
	h.Write(att.Payload)
	for _, q := range queries {
		h.Write([]byte(q))
	}
	sum := h.Sum(nil)
	return Proof{Proof: sum, Journal: hex.EncodeToString(sum[:8])}, nil
}

func (m *MockServices) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if err := m.wait(ctx); err != nil {
		return Receipt{}, err
	}
	sum := sha256.Sum256([]byte(sub.CallID + sub.Proof))
	return Receipt{TxRef: "0x" + hex.EncodeToString(sum[:]), BlockNumber: m.block.Add(1)}, nil
}
