package channels

import "context"

// Channel is a user-facing transport for the bot.
type Channel interface {
	Name() string
	// Start runs the channel's inbound loop until ctx is cancelled.
	Start(ctx context.Context) error
}
