package domain

import (
	"context"
)

// Transport delivers one question to the backend proxy over a single wire
// format.
type Transport interface {
	Name() string

	// Invoke sends the question together with its data context and returns
	// the answer text. Implementations must release every resource on every
	// exit path, including context cancellation.
	Invoke(ctx context.Context, question string, data DataContext) (string, error)
}
