// Package store defines the ephemeral result store behind the beacon
// transport: answers are parked under a session ID until the widget polls
// them back, and evaporate if nobody ever does.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// TTL is how long an entry survives without being taken.
const TTL = 5 * time.Minute

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// ResponseStore is the keyed store the beacon flow writes to and the response
// poll endpoint reads from. Put overwrites any live entry for the session.
// Take is a destructive read: present-and-delete happens atomically, so when
// two callers race on the same session at most one observes the entry.
type ResponseStore interface {
	Put(ctx context.Context, sessionID string, env domain.Envelope) error
	Take(ctx context.Context, sessionID string) (domain.Envelope, bool, error)

	// Len reports the number of live (unexpired) entries.
	Len(ctx context.Context) (int, error)

	Close() error
}
