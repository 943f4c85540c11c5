package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/wardenbot/warden/automod/helpers"
)

// Notifier posts moderation incidents to an external mod-log destination.
type Notifier interface {
	SendIncident(ctx context.Context, evt *MessageEvent, report *Report) error
}

// WebhookNotifier posts a formatted incident summary to an incoming-webhook
// style endpoint ({"text": "..."} JSON body).
type WebhookNotifier struct {
	WebhookURL string
	Client     *http.Client
}

var _ Notifier = (*WebhookNotifier)(nil)

func (n *WebhookNotifier) SendIncident(ctx context.Context, evt *MessageEvent, report *Report) error {
	msg := fmt.Sprintf("Moderation action in `%s`\n", evt.CommunityID)
	msg += fmt.Sprintf("User `%s` / channel `%s`\n", evt.UserID, evt.ChannelID)
	msg += fmt.Sprintf("Severity `%s`: %s (strike %d)\n", report.Verdict.Severity, report.Verdict.Reason, report.StrikeCount)
	if evt.Text != "" {
		msg += "> " + helpers.TruncateText(evt.Text, 240) + "\n"
	}
	// the quote may cut off mid-link, so list them separately
	if urls := helpers.DedupeStrings(helpers.ExtractTextURLs(evt.Text)); len(urls) > 0 {
		msg += "links: " + strings.Join(urls, " ") + "\n"
	}
	if report.Outcome != nil {
		msg += report.Outcome.Summary() + "\n"
	}

	body, err := json.Marshal(map[string]string{"text": msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("failed mod-log webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
