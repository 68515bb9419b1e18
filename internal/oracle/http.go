package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callscreen/internal/reliability"
)

// HTTPOracle forwards turns to an oracle service speaking plain JSON.
// The service may answer with {"text","decision","confidence"} or plain text
// carrying an embedded decision marker.
type HTTPOracle struct {
	url    string
	client *http.Client
}

type httpPayload struct {
	Task    string `json:"task"`
	CallID  string `json:"call_id"`
	History []Turn `json:"history"`
	Input   string `json:"input,omitempty"`
}

type httpReply struct {
	Text       string   `json:"text"`
	Reply      string   `json:"reply"`
	Summary    string   `json:"summary"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
}

func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (o *HTTPOracle) Respond(ctx context.Context, req Request) (Response, error) {
	reply, raw, err := o.post(ctx, httpPayload{Task: "respond", CallID: req.CallID, History: req.History, Input: req.Input})
	if err != nil {
		return Response{}, err
	}
	if reply == nil {
		return finalize(raw, DecisionNone, 0), nil
	}
	text := reply.Text
	if text == "" {
		text = reply.Reply
	}
	decision := Decision(strings.ToLower(string(reply.Decision)))
	return finalize(text, decision, reply.Confidence), nil
}

func (o *HTTPOracle) Summarize(ctx context.Context, callID string, history []Turn) (string, error) {
	reply, raw, err := o.post(ctx, httpPayload{Task: "summarize", CallID: callID, History: history})
	if err != nil {
		return "", err
	}
	if reply == nil {
		return CleanReply(raw), nil
	}
	for _, s := range []string{reply.Summary, reply.Text, reply.Reply} {
		if s = CleanReply(s); s != "" {
			return s, nil
		}
	}
	return "", nil
}

// post returns the decoded JSON reply, or nil plus the raw body when the
// service answered with plain text.
func (o *HTTPOracle) post(ctx context.Context, payload httpPayload) (*httpReply, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal oracle request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := o.client.Do(httpReq)
	if err != nil {
		return nil, "", reliability.Upstream("oracle", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, "", reliability.Upstream("oracle", fmt.Errorf("read response: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", reliability.NewHTTPError("oracle", res.StatusCode, truncate(string(raw), 512))
	}

	var reply httpReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, strings.TrimSpace(string(raw)), nil
	}
	return &reply, "", nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
