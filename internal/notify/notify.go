// Package notify provides a placeholder alert.NotificationSink.
//
// The engine never delivers mail or desktop popups itself (spec §6):
// config.SMTPConfig is passthrough configuration for an external delivery
// collaborator that does not exist in this repo. LogSink discards nothing
// but the actual transport — it records every notification the Alert
// Engine enqueues, the same role server.go's noopSender plays for
// BFD packet transmission until a real socket sender is wired from netio.
package notify

import (
	"context"
	"log/slog"

	"github.com/mikrotikmon/engine/internal/alert"
)

// LogSink is a NotificationSink that logs instead of delivering.
// Used as a placeholder until a real email/popup sender is wired in.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "notify"))}
}

// Send implements alert.NotificationSink.
func (s *LogSink) Send(_ context.Context, n alert.Notification) error {
	s.logger.Info("notification",
		slog.String("channel", n.Channel),
		slog.String("recipient", n.RecipientUserID),
		slog.String("title", n.Title),
		slog.String("body", n.Body),
		slog.String("alert_id", n.AlertID),
	)
	return nil
}

var _ alert.NotificationSink = (*LogSink)(nil)
