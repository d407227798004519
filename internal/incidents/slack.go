// Package incidents posts flow failure notices to the on-call Slack channel.
package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
)

// SlackReporter implements flow.IncidentReporter via an incoming webhook.
type SlackReporter struct {
	webhookURL string
	channel    string
}

// NewSlackReporter creates a reporter posting to the given webhook URL.
// channel is optional; the webhook's default channel is used when empty.
func NewSlackReporter(webhookURL, channel string) *SlackReporter {
	return &SlackReporter{webhookURL: webhookURL, channel: channel}
}

// Report posts one incident message. Errors are truncated to keep the
// message inside Slack's attachment limits.
func (r *SlackReporter) Report(ctx context.Context, title, owner string, errs []string) error {
	const maxErrors = 10
	shown := errs
	if len(shown) > maxErrors {
		shown = shown[:maxErrors]
	}
	detail := strings.Join(shown, "\n")
	if len(errs) > maxErrors {
		detail += fmt.Sprintf("\n… and %d more", len(errs)-maxErrors)
	}

	msg := &slack.WebhookMessage{
		Channel: r.channel,
		Text:    title,
		Attachments: []slack.Attachment{{
			Color: "danger",
			Fields: []slack.AttachmentField{
				{Title: "Owner", Value: owner, Short: true},
				{Title: "Errors", Value: detail},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, r.webhookURL, msg); err != nil {
		return fmt.Errorf("post incident webhook: %w", err)
	}
	slog.Info("incident reported", "title", title, "owner", owner, "errors", len(errs))
	return nil
}
