package notify

import (
	"context"
	"log/slog"

	"github.com/rendis/ensemble/internal/logging"
)

// LogChannel writes approval requests to the log. Useful in development and
// as the fallback destination `log:<anything>`.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(ctx context.Context, target string, msg *Message) error {
	ctx = logging.WithIDs(ctx, msg.ExecutionID, msg.Ensemble)
	c.logger.InfoContext(ctx, "approval requested",
		slog.String("target", target),
		slog.String("node", msg.NodePath),
		slog.String("token", msg.Token),
		slog.Time("expires_at", msg.ExpiresAt),
		slog.Any("message", msg.Message),
	)
	return nil
}
