package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// Notifier reports the outcome of a finished batch
type Notifier interface {
	NotifyBatch(ctx context.Context, batch *state.Batch) error
}

// Nop discards notifications
type Nop struct{}

func (Nop) NotifyBatch(context.Context, *state.Batch) error { return nil }

// Config contains SendGrid settings. To may hold several comma separated addresses.
type Config struct {
	APIKey string
	From   string
	To     string
}

type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridNotifier emails a batch summary through SendGrid
type SendGridNotifier struct {
	client sender
	from   *mail.Email
	to     []*mail.Email
	logger *zap.Logger
}

// NewSendGridNotifier creates a notifier
func NewSendGridNotifier(cfg Config, logger *zap.Logger) (*SendGridNotifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("notification sender address is required")
	}

	var to []*mail.Email
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, mail.NewEmail("", addr))
		}
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("at least one notification recipient is required")
	}

	return &SendGridNotifier{
		client: sendgrid.NewSendClient(cfg.APIKey),
		from:   mail.NewEmail("CommonSKU Automation", cfg.From),
		to:     to,
		logger: logger,
	}, nil
}

// NotifyBatch sends one summary email for batch
func (n *SendGridNotifier) NotifyBatch(ctx context.Context, batch *state.Batch) error {
	if batch == nil {
		return nil
	}

	message := mail.NewV3Mail()
	message.SetFrom(n.from)
	message.Subject = Subject(batch)

	personalization := mail.NewPersonalization()
	personalization.AddTos(n.to...)
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/plain", Body(batch)))

	response, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}

	n.logger.Info("Batch summary sent",
		zap.String("batch_id", batch.BatchID),
		zap.Int("recipients", len(n.to)),
	)
	return nil
}

// Subject summarises the batch in one line
func Subject(batch *state.Batch) string {
	completed, failed := 0, 0
	for _, t := range batch.Tasks {
		switch t.Status {
		case state.StatusCompleted:
			completed++
		case state.StatusFailed:
			failed++
		}
	}

	outcome := "completed"
	if failed > 0 || batch.Status == state.BatchFailed {
		outcome = "finished with failures"
	}
	return fmt.Sprintf("CommonSKU reports %s: %d/%d exported", outcome, completed, len(batch.Tasks))
}

// Body lists every task with its status
func Body(batch *state.Batch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch: %s\n", batch.BatchID)
	fmt.Fprintf(&b, "Status: %s\n", batch.Status)
	fmt.Fprintf(&b, "Started: %s\n", batch.StartTime.Format(time.RFC1123))
	if batch.EndTime != nil {
		fmt.Fprintf(&b, "Duration: %s\n", batch.EndTime.Sub(batch.StartTime).Round(time.Second))
	}
	b.WriteString("\n")

	for _, t := range batch.Tasks {
		fmt.Fprintf(&b, "- %-14s %-12s %s", t.Type, t.DateRange, t.Status)
		switch {
		case t.Error != "":
			fmt.Fprintf(&b, " (%s)", t.Error)
		case t.FilePath != "":
			fmt.Fprintf(&b, " %s", t.FilePath)
		}
		b.WriteString("\n")
	}
	return b.String()
}
