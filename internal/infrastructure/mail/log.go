package mail

import (
	"context"
	"io"
	"log/slog"

	usecase "accounts/backend/internal/usecase/auth"
)

// LogSender writes messages to the logger instead of delivering them.
// It is meant for local development.
type LogSender struct {
	logger *slog.Logger
}

var _ usecase.Mailer = (*LogSender)(nil)

// NewLogSender returns a sender logging through logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogSender{logger: logger}
}

// Send implements usecase.Mailer.
func (l *LogSender) Send(ctx context.Context, to, subject, body string) error {
	if err := validateMessage(to, subject); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "email",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}
