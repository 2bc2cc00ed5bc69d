package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/crypto"
	"github.com/revbackhq/revback/internal/models"
)

// SlackSender posts alert events as severity-colored attachments. The
// config's destination is the channel id; an encrypted secret on the config
// overrides the workspace bot token.
type SlackSender struct {
	client *slack.Client
	crypto *crypto.Encryptor
	logger *slog.Logger
}

// NewSlackSender creates a sender. An empty botToken leaves the default
// client unset, so only configs carrying their own token can send.
func NewSlackSender(botToken string, enc *crypto.Encryptor, log *slog.Logger) *SlackSender {
	s := &SlackSender{
		crypto: enc,
		logger: log.With("component", "alert_slack"),
	}
	if botToken != "" {
		s.client = slack.New(botToken)
	}
	return s
}

func (s *SlackSender) Send(ctx context.Context, cfg *models.AlertConfig, event Event) error {
	client := s.client
	if cfg.Secret != "" {
		token, err := s.crypto.DecryptString(cfg.Secret)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "decrypt slack token", err)
		}
		client = slack.New(token)
	}
	if client == nil {
		return apperr.E(apperr.KindValidation, "no slack token configured")
	}

	issue := event.Data.Issue
	attachment := slack.Attachment{
		Color: severityColor(issue.Severity),
		Title: issue.Title,
		Text:  issue.Description,
		Fields: []slack.AttachmentField{
			{Title: "Severity", Value: string(issue.Severity), Short: true},
			{Title: "Category", Value: issue.Category, Short: true},
			{Title: "Estimated revenue", Value: formatCents(issue.EstimatedRevenueCents), Short: true},
			{Title: "Confidence", Value: fmt.Sprintf("%.0f%%", issue.Confidence*100), Short: true},
			{Title: "Recommended action", Value: issue.RecommendedAction},
		},
		Footer: "RevBack",
	}

	_, _, err := client.PostMessageContext(ctx, cfg.Destination,
		slack.MsgOptionText(eventHeadline(event.EventType), false),
		slack.MsgOptionAttachments(attachment))
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "post slack message", err)
	}
	return nil
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "danger"
	case models.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func eventHeadline(eventType string) string {
	switch eventType {
	case EventIssueCreated:
		return "New revenue issue detected"
	case EventIssueResolved:
		return "Revenue issue resolved"
	case EventIssueDismissed:
		return "Revenue issue dismissed"
	case EventIssueAcknowledged:
		return "Revenue issue acknowledged"
	default:
		return "Revenue issue update"
	}
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100)
}
