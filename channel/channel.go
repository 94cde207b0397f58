// Package channel defines the contract for chat and ticketing front ends
// that run next to the HTTP API.
package channel

import "context"

// Channel is a long-running front end such as a Slack bot.
type Channel interface {
	Name() string
	// Run blocks until ctx is done or the channel fails.
	Run(ctx context.Context) error
}
