package witness

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusWebProofDone Status = "web_proof_done"
	StatusZkProofDone  Status = "zk_proof_done"
	StatusOnChain      Status = "on_chain"
	StatusFailed       Status = "failed"
)

var (
	ErrNotFound             = errors.New("witness record not found")
	ErrDuplicateCall        = errors.New("witness record already exists for call")
	ErrInvalidTransition    = errors.New("invalid witness status transition")
	ErrConfigurationMissing = errors.New("witness pipeline configuration missing")
	ErrUnmappedDecision     = errors.New("decision has no registry encoding")
)

func (s Status) Terminal() bool {
	return s == StatusOnChain || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusWebProofDone:
		return 1
	case StatusZkProofDone:
		return 2
	case StatusOnChain:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a record may move from one status to another:
// one step forward along pending→web_proof_done→zk_proof_done→on_chain, or to
// failed from any non-terminal status. Terminal statuses never change.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return from.rank() >= 0 && to.rank() == from.rank()+1
}

type Receipt struct {
	TxRef       string `json:"tx_ref"`
	BlockNumber uint64 `json:"block_number"`
}

// Record tracks one decision on its way to an on-chain anchor.
type Record struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	Status      Status    `json:"status"`
	Decision    string    `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	CallerHash  string    `json:"caller_hash,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
	WebProofRef string    `json:"web_proof_ref,omitempty"`
	ZkProofRef  string    `json:"zk_proof_ref,omitempty"`
	Journal     string    `json:"journal,omitempty"`
	Receipt     *Receipt  `json:"receipt,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DecisionData is what the call session hands over when it finalizes.
// Caller is the raw caller id; it is hashed before it is stored or sent.
type DecisionData struct {
	Decision   string
	Reason     string
	Confidence float64
	Caller     string
	DecidedAt  time.Time
}

// Disclosure is the public view of a decision served to the attestation
// service. Field names match FieldQueries.
type Disclosure struct {
	CallID     string    `json:"call_id"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason"`
	DecidedAt  time.Time `json:"decided_at"`
	CallerHash string    `json:"caller_hash,omitempty"`
}

func (r Record) Disclosure() Disclosure {
	return Disclosure{
		CallID:     r.CallID,
		Decision:   r.Decision,
		Reason:     r.Reason,
		DecidedAt:  r.DecidedAt,
		CallerHash: r.CallerHash,
	}
}

// FieldQueries bind the succinct proof to the disclosed decision fields.
var FieldQueries = []string{"$.call_id", "$.decision", "$.reason", "$.decided_at"}

// DecisionCode maps a logical decision to the registry's numeric encoding.
func DecisionCode(decision string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "accept":
		return 1, true
	case "reject":
		return 2, true
	default:
		return 0, false
	}
}

func newRecordID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("wit_%d_%s", now.UnixMilli(), suffix)
}

// shortRef is the first 16 hex characters of SHA-256(data).
func shortRef(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// advance applies a validated transition to rec in place. Only progression
// fields (proof refs, journal, receipt, error) may change; identity and
// decision fields are restored after apply.
func advance(rec *Record, to Status, apply func(*Record), now time.Time) error {
	if !CanTransition(rec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	frozen := *rec
	if apply != nil {
		apply(rec)
	}
	rec.ID, rec.CallID, rec.CreatedAt = frozen.ID, frozen.CallID, frozen.CreatedAt
	rec.Decision, rec.Reason, rec.Confidence = frozen.Decision, frozen.Reason, frozen.Confidence
	rec.CallerHash, rec.DecidedAt = frozen.CallerHash, frozen.DecidedAt
	rec.Status = to
	rec.UpdatedAt = now
	return nil
}
