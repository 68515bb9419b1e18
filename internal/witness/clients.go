package witness

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callscreen/internal/reliability"
)

// Attestation is a notarized capture of the disclosure endpoint.
type Attestation struct {
	ID      string
	Payload []byte
}

// Proof binds selected fields of an attestation in a succinct form.
type Proof struct {
	Proof   []byte
	Journal string
}

// Submission is what the registry anchors on chain.
type Submission struct {
	CallID       string `json:"call_id"`
	DecisionCode int    `json:"decision_code"`
	Reason       string `json:"reason"`
	Proof        string `json:"proof"`
	Journal      string `json:"journal"`
	CallerHash   string `json:"caller_hash,omitempty"`
}

type Attestor interface {
	Attest(ctx context.Context, url string) (Attestation, error)
}

type Compressor interface {
	Compress(ctx context.Context, att Attestation, queries []string) (Proof, error)
}

type Registry interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}

type AttestorFunc func(ctx context.Context, url string) (Attestation, error)

func (f AttestorFunc) Attest(ctx context.Context, url string) (Attestation, error) {
	return f(ctx, url)
}

type CompressorFunc func(ctx context.Context, att Attestation, queries []string) (Proof, error)

func (f CompressorFunc) Compress(ctx context.Context, att Attestation, queries []string) (Proof, error) {
	return f(ctx, att, queries)
}

type RegistryFunc func(ctx context.Context, sub Submission) (Receipt, error)

func (f RegistryFunc) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	return f(ctx, sub)
}

// serviceClient posts JSON to one witness service endpoint.
type serviceClient struct {
	service string
	url     string
	token   string
	client  *http.Client
}

func newServiceClient(service, url, token string) serviceClient {
	return serviceClient{
		service: service,
		url:     strings.TrimSpace(url),
		token:   strings.TrimSpace(token),
		// Step deadlines come from the pipeline context.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c serviceClient) postJSON(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", c.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return reliability.Upstream(c.service, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return reliability.Upstream(c.service, fmt.Errorf("read response: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return reliability.NewHTTPError(c.service, res.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return reliability.Upstream(c.service, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HTTPAttestor asks a notary service to capture a URL.
// Request {"url"}; response {"id","attestation"} where attestation is base64.
type HTTPAttestor struct{ c serviceClient }

func NewHTTPAttestor(url, token string) *HTTPAttestor {
	return &HTTPAttestor{c: newServiceClient("attestation", url, token)}
}

func (a *HTTPAttestor) Attest(ctx context.Context, url string) (Attestation, error) {
	var res struct {
		ID          string `json:"id"`
		Attestation string `json:"attestation"`
	}
	if err := a.c.postJSON(ctx, map[string]string{"url": url}, &res); err != nil {
		return Attestation{}, err
	}
	payload, err := base64.StdEncoding.DecodeString(res.Attestation)
	if err != nil || len(payload) == 0 {
		return Attestation{}, reliability.Upstream("attestation", fmt.Errorf("empty or malformed attestation"))
	}
	return Attestation{ID: res.ID, Payload: payload}, nil
}

// HTTPCompressor asks a proving service to compress an attestation to the
// given field queries. Response {"proof","journal"} with proof base64.
type HTTPCompressor struct{ c serviceClient }

func NewHTTPCompressor(url, token string) *HTTPCompressor {
	return &HTTPCompressor{c: newServiceClient("compression", url, token)}
}

func (p *HTTPCompressor) Compress(ctx context.Context, att Attestation, queries []string) (Proof, error) {
	req := map[string]any{
		"attestation": base64.StdEncoding.EncodeToString(att.Payload),
		"queries":     queries,
	}
	var res struct {
		Proof   string `json:"proof"`
		Journal string `json:"journal"`
	}
	if err := p.c.postJSON(ctx, req, &res); err != nil {
		return Proof{}, err
	}
	proof, err := base64.StdEncoding.DecodeString(res.Proof)
	if err != nil || len(proof) == 0 {
		return Proof{}, reliability.Upstream("compression", fmt.Errorf("empty or malformed proof"))
	}
	return Proof{Proof: proof, Journal: res.Journal}, nil
}

// HTTPRegistry submits proofs to a registry relayer that owns the chain
// connection. Response {"tx_ref","block_number"}.
type HTTPRegistry struct{ c serviceClient }

func NewHTTPRegistry(url, token string) *HTTPRegistry {
	return &HTTPRegistry{c: newServiceClient("registry", url, token)}
}

func (r *HTTPRegistry) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	var res Receipt
	if err := r.c.postJSON(ctx, sub, &res); err != nil {
		return Receipt{}, err
	}
	if res.TxRef == "" {
		return Receipt{}, reliability.Upstream("registry", fmt.Errorf("missing tx_ref"))
	}
	return res, nil
}
