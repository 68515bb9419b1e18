package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a history turn.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleCaller Role = "caller"
)

type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

type Request struct {
	CallID  string `json:"call_id"`
	History []Turn `json:"history"`
	Input   string `json:"input"`
}

// Response is one oracle reply. Text never contains a decision marker.
type Response struct {
	Text       string   `json:"text"`
	Decision   Decision `json:"decision,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Oracle is the conversational counterpart of the screening agent.
type Oracle interface {
	Respond(ctx context.Context, req Request) (Response, error)
	Summarize(ctx context.Context, callID string, history []Turn) (string, error)
}

// Config controls oracle construction.
type Config struct {
	Mode      string
	HTTPURL   string
	ChatURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTurns  int
	Directive string
}

var ErrNotConfigured = errors.New("oracle not configured")

func New(cfg Config) (Oracle, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAuto(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("%w: ORACLE_HTTP_URL is required for http mode", ErrNotConfigured)
		}
		return NewHTTPOracle(cfg.HTTPURL, cfg.Timeout), nil
	case "chat":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("%w: ORACLE_API_KEY is required for chat mode", ErrNotConfigured)
		}
		return newChat(cfg), nil
	case "mock":
		return NewMockOracle(cfg.MaxTurns), nil
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.Mode)
	}
}

func newAuto(cfg Config) Oracle {
	var primary, secondary Oracle
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		primary = NewHTTPOracle(cfg.HTTPURL, cfg.Timeout)
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		chat := newChat(cfg)
		if primary == nil {
			primary = chat
		} else {
			secondary = chat
		}
	}
	switch {
	case primary == nil:
		return NewMockOracle(cfg.MaxTurns)
	case secondary == nil:
		return primary
	default:
		return NewFallbackOracle(primary, secondary)
	}
}

func newChat(cfg Config) *ChatOracle {
	chat := NewChatOracle(cfg.ChatURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	if d := strings.TrimSpace(cfg.Directive); d != "" {
		chat.SystemPrompt = d
	}
	return chat
}

// finalize turns raw oracle text into a Response. An explicit decision from a
// structured payload wins over an embedded marker.
func finalize(raw string, explicit Decision, confidence float64) Response {
	decision := explicit
	if !decision.Terminal() {
		if parsed, ok := ParseDecision(raw); ok {
			decision = parsed
		} else {
			decision = DecisionNone
		}
	}
	if decision.Terminal() && confidence == 0 {
		confidence = 1
	}
	return Response{Text: CleanReply(raw), Decision: decision, Confidence: confidence}
}
