// Package store provides the key-value collaborator used for blocked-IP
// membership, sliding-window counters and capped security event lists.
package store

import (
	"context"
	"time"
)

// Well-known keys shared between the monitor and the middleware.
const (
	KeyBlockedIPs      = "security:blocked_ips"
	KeyAuthFailures    = "auth:failures"
	KeyWebhookFailures = "ghl:webhook:failures"
)

// MaxEventListLength caps the capped failure-event lists.
const MaxEventListLength = 1000

// KV is the key-value store contract. The redis implementation backs
// production; the memory implementation backs tests and single-node runs.
type KV interface {
	// BlockIP adds ip to the blocked-IP set.
	BlockIP(ctx context.Context, ip string) error

	// IsBlocked reports blocked-IP set membership.
	IsBlocked(ctx context.Context, ip string) (bool, error)

	// UnblockIP removes ip from the blocked-IP set.
	UnblockIP(ctx context.Context, ip string) error

	// IncrWindow increments a sliding-window counter, setting its TTL to
	// window when the counter is created. Returns the post-increment count.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCount returns the current value of a window counter, zero if absent.
	GetCount(ctx context.Context, key string) (int64, error)

	// PushEvent prepends a payload to a capped event list.
	PushEvent(ctx context.Context, list string, payload []byte) error

	// Events returns up to n most recent payloads from an event list.
	Events(ctx context.Context, list string, n int64) ([][]byte, error)

	// Close releases the store's resources.
	Close() error
}
