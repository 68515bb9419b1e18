package witness

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/observability"
	"github.com/ent0n29/callscreen/internal/policy"
)

type PipelineConfig struct {
	// PublicBaseURL is where the attestation service reaches /v1/disclosure.
	PublicBaseURL string
	StepTimeout   time.Duration
	CallerSalt    string
}

// Pipeline turns finalized decisions into anchored witness records. Each
// record is driven by its own goroutine; callers never wait on it.
type Pipeline struct {
	cfg        PipelineConfig
	store      Store
	attestor   Attestor
	compressor Compressor
	registry   Registry
	metrics    *observability.Metrics

	wg sync.WaitGroup
}

func NewPipeline(cfg PipelineConfig, store Store, attestor Attestor, compressor Compressor, registry Registry, metrics *observability.Metrics) *Pipeline {
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		attestor:   attestor,
		compressor: compressor,
		registry:   registry,
		metrics:    metrics,
	}
}

// CreateWitness stores a pending record and starts its pipeline. It returns
// as soon as the record is persisted.
func (p *Pipeline) CreateWitness(ctx context.Context, callID string, data DecisionData) (Record, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return Record{}, fmt.Errorf("call id is required")
	}
	now := time.Now().UTC()
	decidedAt := data.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = now
	}
	rec := Record{
		ID:         newRecordID(now),
		CallID:     callID,
		Status:     StatusPending,
		Decision:   strings.ToLower(strings.TrimSpace(data.Decision)),
		Reason:     strings.TrimSpace(data.Reason),
		Confidence: data.Confidence,
		CallerHash: policy.HashCallerID(p.cfg.CallerSalt, data.Caller),
		DecidedAt:  decidedAt.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	p.metrics.WitnessTransition(string(StatusPending))
	log.Info().Str("witness_id", rec.ID).Str("call_id", callID).Str("decision", rec.Decision).Msg("witness record created")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(rec)
	}()
	return rec, nil
}

func (p *Pipeline) GetRecord(ctx context.Context, id string) (Record, error) {
	return p.store.Get(ctx, id)
}

func (p *Pipeline) GetByCallID(ctx context.Context, callID string) (Record, error) {
	return p.store.GetByCallID(ctx, callID)
}

// ListLimit caps ListAll. Older records stay reachable by id and call id.
const ListLimit = 500

// ListAll returns up to ListLimit records, newest first.
func (p *Pipeline) ListAll(ctx context.Context) ([]Record, error) {
	return p.store.List(ctx, ListLimit)
}

// Disclosure returns the public view of a call's decision.
func (p *Pipeline) Disclosure(ctx context.Context, callID string) (Disclosure, error) {
	rec, err := p.store.GetByCallID(ctx, callID)
	if err != nil {
		return Disclosure{}, err
	}
	return rec.Disclosure(), nil
}

// Shutdown waits for in-flight pipelines until ctx is done.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) Close() error {
	return p.store.Close()
}

func (p *Pipeline) configured() bool {
	return p.cfg.PublicBaseURL != "" && p.attestor != nil && p.compressor != nil && p.registry != nil
}

func (p *Pipeline) run(rec Record) {
	started := time.Now()
	logger := log.With().Str("witness_id", rec.ID).Str("call_id", rec.CallID).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("witness pipeline panicked")
			p.fail(rec.ID, fmt.Errorf("pipeline panic: %v", r))
		}
		if p.metrics != nil {
			p.metrics.WitnessDuration.Observe(time.Since(started).Seconds())
		}
	}()

	if !p.configured() {
		logger.Warn().Msg("witness pipeline not configured")
		p.fail(rec.ID, ErrConfigurationMissing)
		return
	}

	disclosureURL := p.cfg.PublicBaseURL + "/v1/disclosure/" + rec.CallID
	var att Attestation
	err := p.step("witness_attest", func(ctx context.Context) (err error) {
		att, err = p.attestor.Attest(ctx, disclosureURL)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("attestation failed")
		p.fail(rec.ID, fmt.Errorf("attestation: %w", err))
		return
	}
	webRef := shortRef(att.Payload)
	if !p.transition(rec.ID, StatusWebProofDone, func(r *Record) { r.WebProofRef = webRef }) {
		return
	}

	var proof Proof
	err = p.step("witness_compress", func(ctx context.Context) (err error) {
		proof, err = p.compressor.Compress(ctx, att, FieldQueries)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("proof compression failed")
		p.fail(rec.ID, fmt.Errorf("compression: %w", err))
		return
	}
	zkRef := shortRef(proof.Proof)
	if !p.transition(rec.ID, StatusZkProofDone, func(r *Record) {
		r.ZkProofRef = zkRef
		r.Journal = proof.Journal
	}) {
		return
	}

	code, ok := DecisionCode(rec.Decision)
	if !ok {
		logger.Warn().Err(ErrUnmappedDecision).Str("decision", rec.Decision).Msg("witness halted before registry submission")
		return
	}

	var receipt Receipt
	err = p.step("witness_submit", func(ctx context.Context) (err error) {
		receipt, err = p.registry.Submit(ctx, Submission{
			CallID:       rec.CallID,
			DecisionCode: code,
			Reason:       rec.Reason,
			Proof:        base64.StdEncoding.EncodeToString(proof.Proof),
			Journal:      proof.Journal,
			CallerHash:   rec.CallerHash,
		})
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("registry submission failed")
		p.fail(rec.ID, fmt.Errorf("registry: %w", err))
		return
	}
	if p.transition(rec.ID, StatusOnChain, func(r *Record) {
		r.Receipt = &Receipt{TxRef: receipt.TxRef, BlockNumber: receipt.BlockNumber}
	}) {
		logger.Info().Str("tx_ref", receipt.TxRef).Uint64("block", receipt.BlockNumber).Msg("witness anchored")
	}
}

func (p *Pipeline) step(stage string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StepTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(stage, time.Since(start))
	return err
}

func (p *Pipeline) transition(id string, to Status, apply func(*Record)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.store.Transition(ctx, id, to, apply); err != nil {
		log.Error().Err(err).Str("witness_id", id).Str("status", string(to)).Msg("witness transition rejected")
		return false
	}
	p.metrics.WitnessTransition(string(to))
	return true
}

func (p *Pipeline) fail(id string, cause error) {
	msg := cause.Error()
	if errors.Is(cause, ErrConfigurationMissing) {
		msg = ErrConfigurationMissing.Error()
	}
	p.transition(id, StatusFailed, func(r *Record) { r.Error = msg })
}
