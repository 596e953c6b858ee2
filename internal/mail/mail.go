package mail

import (
	"context"
	"log/slog"

	"github.com/tenantgate/tenantgate/internal/observability/logger"
)

// LogSender is an email sender that records deliveries in the application
// log. Real transport (SMTP, provider API) plugs in behind
// dispatch.EmailSender without touching the core.
type LogSender struct{}

// NewLogSender creates a log-backed sender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the outbound email instead of delivering it.
func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	slog.InfoContext(ctx, "outbound email",
		logger.Component("mail"),
		logger.Email(to),
		logger.String("subject", subject),
		slog.Int("body_bytes", len(body)),
	)
	return nil
}
