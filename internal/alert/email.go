package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
)

// EmailSender delivers alert events as transactional email. The config's
// destination is the recipient address.
type EmailSender struct {
	client *sendgrid.Client
	from   *mail.Email
	logger *slog.Logger
}

// NewEmailSender creates a sender. An empty apiKey disables sending.
func NewEmailSender(apiKey, fromAddress string, log *slog.Logger) *EmailSender {
	s := &EmailSender{
		from:   mail.NewEmail("RevBack Alerts", fromAddress),
		logger: log.With("component", "alert_email"),
	}
	if apiKey != "" {
		s.client = sendgrid.NewSendClient(apiKey)
	}
	return s
}

func (s *EmailSender) Send(ctx context.Context, cfg *models.AlertConfig, event Event) error {
	if s.client == nil {
		return apperr.E(apperr.KindValidation, "no sendgrid key configured")
	}

	issue := event.Data.Issue
	subject := fmt.Sprintf("[RevBack %s] %s", issue.Severity, issue.Title)
	to := mail.NewEmail("", cfg.Destination)
	message := mail.NewSingleEmail(s.from, subject, to, plainBody(event), htmlBody(event))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientIO, "send alert email", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Ef(apperr.KindTransientIO, "sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

func plainBody(event Event) string {
	issue := event.Data.Issue
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", eventHeadline(event.EventType))
	fmt.Fprintf(&b, "%s\n%s\n\n", issue.Title, issue.Description)
	fmt.Fprintf(&b, "Severity: %s\n", issue.Severity)
	fmt.Fprintf(&b, "Category: %s\n", issue.Category)
	fmt.Fprintf(&b, "Estimated revenue at risk: %s\n", formatCents(issue.EstimatedRevenueCents))
	fmt.Fprintf(&b, "Recommended action: %s\n", issue.RecommendedAction)
	return b.String()
}

func htmlBody(event Event) string {
	issue := event.Data.Issue
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>%s</h3>", eventHeadline(event.EventType))
	fmt.Fprintf(&b, "<p><strong>%s</strong><br>%s</p>", issue.Title, issue.Description)
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>Severity: %s</li>", issue.Severity)
	fmt.Fprintf(&b, "<li>Category: %s</li>", issue.Category)
	fmt.Fprintf(&b, "<li>Estimated revenue at risk: %s</li>", formatCents(issue.EstimatedRevenueCents))
	fmt.Fprintf(&b, "<li>Recommended action: %s</li>", issue.RecommendedAction)
	b.WriteString("</ul>")
	return b.String()
}
