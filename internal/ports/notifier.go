package ports

import "context"

// Notifier delivers user-facing messages after settlement and after
// withdrawal processing. Delivery is best-effort: callers log failures and
// never fail or roll back a state transition because of one.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message, category string) error
}
