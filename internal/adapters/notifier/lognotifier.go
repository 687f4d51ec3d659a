package notifier

import (
	"context"
	"fmt"

	"simex/internal/ports"
)

// LogNotifier implements ports.Notifier by writing notifications to the
// application log. It stands in for a real delivery channel (email, push)
// so the core flows always have a notifier to talk to.
type LogNotifier struct {
	logger ports.Logger
}

// New creates a log-backed notifier.
func New(logger ports.Logger) (*LogNotifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for log notifier")
	}
	return &LogNotifier{logger: logger}, nil
}

// Notify records the notification in the log.
func (n *LogNotifier) Notify(ctx context.Context, userID, title, message, category string) error {
	n.logger.Info(ctx, "User notification", map[string]interface{}{
		"userID":   userID,
		"title":    title,
		"message":  message,
		"category": category,
	})
	return nil
}
