package notify

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

// SlackNotifier posts decisions to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	HTTP       *http.Client
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type SlackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: strings.TrimSpace(webhookURL),
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("missing slack webhook url")
	}
	body, err := json.Marshal(BuildSlackMessage(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.HTTP.Do(req)
	if err != nil {
		return reliability.Upstream("slack", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return reliability.NewHTTPError("slack", res.StatusCode, string(b))
	}
	return nil
}

func BuildSlackMessage(ev Event) SlackMessage {
	headline := fmt.Sprintf("Call %s screened: *%s*", ev.CallID, strings.ToUpper(ev.Decision))
	fields := []slackText{
		{Type: "mrkdwn", Text: "*Decision*\n" + ev.Decision},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Turns*\n%d", ev.TurnCount)},
	}
	if ev.Confidence > 0 {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Confidence*\n%.2f", ev.Confidence)})
	}
	if ev.CallerHash != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Caller*\n`" + ev.CallerHash + "`"})
	}
	blocks := []slackBlock{
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: headline}},
		{Type: "section", Fields: fields},
	}
	if ev.Summary != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: ev.Summary}})
	}
	return SlackMessage{Text: headline, Blocks: blocks}
}
