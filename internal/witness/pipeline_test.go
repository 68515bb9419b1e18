package witness

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/callscreen/internal/policy"
)

type fakeServices struct {
	mu          sync.Mutex
	attestURL   string
	queries     []string
	submissions []Submission

	attestErr   error
	compressErr error
	submitErr   error

	attestGate chan struct{}
	compressed atomic.Int32
	submitted  atomic.Int32
}

func (f *fakeServices) Attest(ctx context.Context, url string) (Attestation, error) {
	if f.attestGate != nil {
		select {
		case <-f.attestGate:
		case <-ctx.Done():
			return Attestation{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.attestURL = url
	f.mu.Unlock()
	if f.attestErr != nil {
		return Attestation{}, f.attestErr
	}
	return Attestation{ID: "att-1", Payload: []byte("attestation-bytes")}, nil
}

func (f *fakeServices) Compress(_ context.Context, _ Attestation, queries []string) (Proof, error) {
	f.compressed.Add(1)
	f.mu.Lock()
	f.queries = append([]string(nil), queries...)
	f.mu.Unlock()
	if f.compressErr != nil {
		return Proof{}, f.compressErr
	}
	return Proof{Proof: []byte("proof-bytes"), Journal: "journal-1"}, nil
}

func (f *fakeServices) Submit(_ context.Context, sub Submission) (Receipt, error) {
	f.submitted.Add(1)
	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()
	if f.submitErr != nil {
		return Receipt{}, f.submitErr
	}
	return Receipt{TxRef: "0xfeed", BlockNumber: 77}, nil
}

func newTestPipeline(fs *fakeServices, baseURL string) (*Pipeline, *MemoryStore) {
	st := NewMemoryStore()
	p := NewPipeline(PipelineConfig{
		PublicBaseURL: baseURL,
		StepTimeout:   2 * time.Second,
		CallerSalt:    "salt",
	}, st, fs, fs, fs, nil)
	return p, st
}

func waitForRecord(t *testing.T, p *Pipeline, id string, done func(Record) bool) Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := p.GetRecord(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRecord() error = %v", err)
		}
		if done(rec) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := p.GetRecord(context.Background(), id)
	t.Fatalf("timed out waiting for record %s, last = %+v", id, rec)
	return Record{}
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestCreateWitnessReturnsPendingWithoutWaiting(t *testing.T) {
	fs := &fakeServices{attestGate: make(chan struct{})}
	p, _ := newTestPipeline(fs, "https://screen.example.com/")

	start := time.Now()
	rec, err := p.CreateWitness(context.Background(), "CA1", DecisionData{Decision: "accept", Reason: "dentist"})
	if err != nil {
		t.Fatalf("CreateWitness() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("CreateWitness blocked for %v", elapsed)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}
	if !strings.HasPrefix(rec.ID, "wit_") {
		t.Fatalf("id = %q", rec.ID)
	}
	close(fs.attestGate)
	waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)
}

func TestPipelineSuccessReachesOnChain(t *testing.T) {
	fs := &fakeServices{}
	p, _ := newTestPipeline(fs, "https://screen.example.com/")

	rec, err := p.CreateWitness(context.Background(), "CA2", DecisionData{
		Decision:   "reject",
		Reason:     "extended warranty sales",
		Confidence: 0.95,
		Caller:     "+1 (555) 010-2000",
	})
	if err != nil {
		t.Fatalf("CreateWitness() error = %v", err)
	}
	final := waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)

	if final.Status != StatusOnChain {
		t.Fatalf("status = %q (error %q), want on_chain", final.Status, final.Error)
	}
	if final.Receipt == nil || final.Receipt.TxRef != "0xfeed" || final.Receipt.BlockNumber != 77 {
		t.Fatalf("receipt = %+v", final.Receipt)
	}
	if final.WebProofRef != shortRef([]byte("attestation-bytes")) {
		t.Fatalf("WebProofRef = %q", final.WebProofRef)
	}
	if final.ZkProofRef != shortRef([]byte("proof-bytes")) || len(final.ZkProofRef) != 16 {
		t.Fatalf("ZkProofRef = %q", final.ZkProofRef)
	}
	if fs.attestURL != "https://screen.example.com/v1/disclosure/CA2" {
		t.Fatalf("attested url = %q", fs.attestURL)
	}
	if strings.Join(fs.queries, ",") != "$.call_id,$.decision,$.reason,$.decided_at" {
		t.Fatalf("queries = %v", fs.queries)
	}
	if len(fs.submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(fs.submissions))
	}
	sub := fs.submissions[0]
	if sub.DecisionCode != 2 || sub.Reason != "extended warranty sales" || sub.Journal != "journal-1" {
		t.Fatalf("submission = %+v", sub)
	}
	wantHash := policy.HashCallerID("salt", "+15550102000")
	if sub.CallerHash != wantHash || final.CallerHash != wantHash {
		t.Fatalf("caller hash = %q / %q, want %q", sub.CallerHash, final.CallerHash, wantHash)
	}
	if strings.Contains(sub.CallerHash, "555") {
		t.Fatalf("caller number leaked into submission")
	}
}

func TestPipelineAttestationFailureStopsEarly(t *testing.T) {
	fs := &fakeServices{attestErr: errors.New("notary unreachable")}
	p, _ := newTestPipeline(fs, "https://screen.example.com")

	rec, err := p.CreateWitness(context.Background(), "CA3", DecisionData{Decision: "accept"})
	if err != nil {
		t.Fatalf("CreateWitness() error = %v", err)
	}
	final := waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)

	if final.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "notary unreachable") {
		t.Fatalf("error = %q", final.Error)
	}
	if final.WebProofRef != "" || final.ZkProofRef != "" {
		t.Fatalf("unexpected artifacts: %+v", final)
	}
	if fs.compressed.Load() != 0 || fs.submitted.Load() != 0 {
		t.Fatalf("compress=%d submit=%d after attestation failure", fs.compressed.Load(), fs.submitted.Load())
	}
}

func TestPipelineRegistryFailurePreservesArtifacts(t *testing.T) {
	fs := &fakeServices{submitErr: errors.New("nonce too low")}
	p, _ := newTestPipeline(fs, "https://screen.example.com")

	rec, _ := p.CreateWitness(context.Background(), "CA4", DecisionData{Decision: "accept"})
	final := waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)

	if final.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.WebProofRef == "" || final.ZkProofRef == "" || final.Journal != "journal-1" {
		t.Fatalf("artifacts not preserved: %+v", final)
	}
	if final.Receipt != nil {
		t.Fatalf("receipt = %+v, want nil", final.Receipt)
	}
}

func TestPipelineUnmappedDecisionHalts(t *testing.T) {
	fs := &fakeServices{}
	p, _ := newTestPipeline(fs, "https://screen.example.com")

	rec, _ := p.CreateWitness(context.Background(), "CA5", DecisionData{Decision: "voicemail"})
	drain(t, p)

	final, err := p.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if final.Status != StatusZkProofDone {
		t.Fatalf("status = %q, want zk_proof_done", final.Status)
	}
	if final.Error != "" {
		t.Fatalf("error = %q, want empty", final.Error)
	}
	if fs.submitted.Load() != 0 {
		t.Fatalf("registry called for unmapped decision")
	}
}

func TestPipelineConfigurationMissing(t *testing.T) {
	fs := &fakeServices{}
	p, _ := newTestPipeline(fs, "")

	rec, _ := p.CreateWitness(context.Background(), "CA6", DecisionData{Decision: "accept"})
	final := waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)

	if final.Status != StatusFailed || final.Error != ErrConfigurationMissing.Error() {
		t.Fatalf("final = %+v", final)
	}
	if fs.attestURL != "" {
		t.Fatalf("attestor called without configuration")
	}
}

func TestCreateWitnessRejectsDuplicateCall(t *testing.T) {
	fs := &fakeServices{}
	p, _ := newTestPipeline(fs, "https://screen.example.com")

	if _, err := p.CreateWitness(context.Background(), "CA7", DecisionData{Decision: "accept"}); err != nil {
		t.Fatalf("first CreateWitness() error = %v", err)
	}
	if _, err := p.CreateWitness(context.Background(), "CA7", DecisionData{Decision: "reject"}); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("second CreateWitness() error = %v, want ErrDuplicateCall", err)
	}
	if _, err := p.CreateWitness(context.Background(), " ", DecisionData{Decision: "accept"}); err == nil {
		t.Fatalf("CreateWitness with empty call id succeeded")
	}
	drain(t, p)

	byCall, err := p.GetByCallID(context.Background(), "CA7")
	if err != nil || byCall.Decision != "accept" {
		t.Fatalf("GetByCallID() = %+v, %v", byCall, err)
	}
	all, _ := p.ListAll(context.Background())
	if len(all) != 1 {
		t.Fatalf("ListAll() len = %d, want 1", len(all))
	}
}

func TestListAllReturnsNewestUpToLimit(t *testing.T) {
	p, st := newTestPipeline(&fakeServices{}, "https://screen.example.com")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < ListLimit+5; i++ {
		rec := newTestRecord(fmt.Sprintf("CA-list-%d", i), base.Add(time.Duration(i)*time.Second))
		if err := st.Insert(context.Background(), rec); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	all, err := p.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != ListLimit {
		t.Fatalf("ListAll() len = %d, want %d", len(all), ListLimit)
	}
	if newest := fmt.Sprintf("CA-list-%d", ListLimit+4); all[0].CallID != newest {
		t.Fatalf("ListAll()[0] = %q, want %q", all[0].CallID, newest)
	}
	if _, err := p.GetByCallID(context.Background(), "CA-list-0"); err != nil {
		t.Fatalf("record past the list limit unreachable: %v", err)
	}
}

func TestPipelineStatusNeverRegresses(t *testing.T) {
	fs := &fakeServices{}
	p, _ := newTestPipeline(fs, "https://screen.example.com")

	rec, _ := p.CreateWitness(context.Background(), "CA8", DecisionData{Decision: "accept"})
	last := -1
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := p.GetRecord(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("GetRecord() error = %v", err)
		}
		r := cur.Status.rank()
		if r < last {
			t.Fatalf("status regressed to %s", cur.Status)
		}
		last = r
		if cur.Status.Terminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	drain(t, p)
}

func TestHTTPClientsAgainstServices(t *testing.T) {
	var auth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/attest", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          "att-9",
			"attestation": base64.StdEncoding.EncodeToString([]byte("captured:" + req["url"])),
		})
	})
	mux.HandleFunc("/compress", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Attestation string   `json:"attestation"`
			Queries     []string `json:"queries"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Queries) != 4 {
			http.Error(w, "bad queries", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"proof":   base64.StdEncoding.EncodeToString([]byte("p")),
			"journal": "j",
		})
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "relayer overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	att, err := NewHTTPAttestor(srv.URL+"/attest", "tok").Attest(ctx, "https://x/v1/disclosure/CA")
	if err != nil {
		t.Fatalf("Attest() error = %v", err)
	}
	if string(att.Payload) != "captured:https://x/v1/disclosure/CA" || att.ID != "att-9" {
		t.Fatalf("attestation = %+v", att)
	}
	if got, _ := auth.Load().(string); got != "Bearer tok" {
		t.Fatalf("Authorization = %q", got)
	}
	proof, err := NewHTTPCompressor(srv.URL+"/compress", "").Compress(ctx, att, FieldQueries)
	if err != nil || string(proof.Proof) != "p" || proof.Journal != "j" {
		t.Fatalf("Compress() = %+v, %v", proof, err)
	}
	_, err = NewHTTPRegistry(srv.URL+"/submit", "").Submit(ctx, Submission{CallID: "CA"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Submit() error = %v, want 503 upstream error", err)
	}
}

func TestMockServicesAnchor(t *testing.T) {
	m := NewMockServices(0)
	p := NewPipeline(PipelineConfig{PublicBaseURL: "http://localhost:8080"}, NewMemoryStore(), m, m, m, nil)
	rec, _ := p.CreateWitness(context.Background(), "CA9", DecisionData{Decision: "accept"})
	final := waitForRecord(t, p, rec.ID, func(r Record) bool { return r.Status.Terminal() })
	drain(t, p)
	if final.Status != StatusOnChain || final.Receipt == nil || !strings.HasPrefix(final.Receipt.TxRef, "0x") {
		t.Fatalf("final = %+v", final)
	}
}
