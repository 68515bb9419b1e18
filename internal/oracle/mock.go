package oracle

import (
	"context"
	"strings"
)

var (
	mockRejectKeywords = []string{"quote", "offer", "survey", "warranty", "insurance", "promotion", "sales", "deal", "subscription", "loan"}
	mockAcceptKeywords = []string{"doctor", "appointment", "delivery", "school", "family", "emergency", "interview", "pharmacy", "package"}
)

// MockOracle screens deterministically by keyword so the service runs end to
// end without an upstream model.
type MockOracle struct {
	maxTurns int
}

func NewMockOracle(maxTurns int) *MockOracle {
	if maxTurns <= 0 {
		maxTurns = 3
	}
	return &MockOracle{maxTurns: maxTurns}
}

func (o *MockOracle) Respond(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	in := strings.ToLower(req.Input)
	switch {
	case containsAny(in, mockRejectKeywords):
		return finalize("Thanks, but they are not interested. Goodbye. [[DECISION:REJECT]]", DecisionNone, 0.9), nil
	case containsAny(in, mockAcceptKeywords):
		return finalize("Thank you, I'll let them know right away. Goodbye. [[DECISION:ACCEPT]]", DecisionNone, 0.9), nil
	}

	callerTurns := 1
	for _, t := range req.History {
		if t.Role == RoleCaller {
			callerTurns++
		}
	}
	if callerTurns >= o.maxTurns {
		return finalize("I couldn't confirm what this is about, so I'll take a message later. Goodbye. [[DECISION:REJECT]]", DecisionNone, 0.5), nil
	}
	return finalize("Thanks. Could you tell me a little more about why you're calling?", DecisionNone, 0), nil
}

func (o *MockOracle) Summarize(ctx context.Context, callID string, history []Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	var said []string
	for _, t := range history {
		if t.Role == RoleCaller {
			said = append(said, t.Text)
		}
	}
	if len(said) == 0 {
		return "Caller did not say anything.", nil
	}
	return "Caller said: " + strings.Join(said, " "), nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
