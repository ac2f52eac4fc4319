package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// ErrExhausted reports that every enabled transport was attempted and none
// produced an answer.
var ErrExhausted = errors.New("all transports failed")

const (
	defaultAttemptTimeout = 16 * time.Second
	defaultCooldown       = 30 * time.Second
)

type record struct {
	transport     domain.Transport
	priority      int
	disabledUntil time.Time
	lastErr       error
}

// Controller walks the transports in priority order until one produces an
// answer. A transport that fails sits out a cooldown window before it is
// tried again; a disabled transport is skipped outright, never merely
// deprioritized. Priority follows constructor order.
type Controller struct {
	attemptTimeout time.Duration
	cooldown       time.Duration
	now            func() time.Time
	logger         *slog.Logger
	onFailure      func(transport string, err error)

	// sendMu serializes Send so at most one transport invocation is in
	// flight. mu guards the records separately so state inspection never
	// waits out a slow attempt.
	sendMu sync.Mutex
	mu     sync.Mutex

	records    []*record
	lastWinner string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock substitutes the time source. Tests use this to walk the cooldown
// window without sleeping.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithAttemptTimeout bounds a single transport invocation.
func WithAttemptTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.attemptTimeout = d
	}
}

// WithCooldown sets how long a failed transport stays disabled.
func WithCooldown(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.cooldown = d
	}
}

// WithFailureHook registers fn to run after each failed attempt. The hook is
// called outside the controller's locks.
func WithFailureHook(fn func(transport string, err error)) ControllerOption {
	return func(c *Controller) {
		c.onFailure = fn
	}
}

func NewController(transports []domain.Transport, opts ...ControllerOption) *Controller {
	c := &Controller{
		attemptTimeout: defaultAttemptTimeout,
		cooldown:       defaultCooldown,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i, t := range transports {
		c.records = append(c.records, &record{transport: t, priority: i})
	}
	return c
}

// Send tries each enabled transport in ascending priority until one answers.
// Enablement is decided once, when the call starts; a cooldown expiring
// mid-call does not bring a transport back into this attempt.
func (c *Controller) Send(ctx context.Context, question string, data domain.DataContext) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	candidates := c.snapshot()
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no transports currently enabled", ErrExhausted)
	}

	var lastErr error
	for _, rec := range candidates {
		if ctx.Err() != nil {
			return "", fmt.Errorf("send abandoned: %w", ctx.Err())
		}

		answer, err := c.attempt(ctx, rec.transport, question, data)
		if err == nil && answer == "" {
			err = errors.New("transport returned an empty answer")
		}
		if err != nil {
			lastErr = err
			c.markFailed(rec, err)
			continue
		}

		c.markSucceeded(rec)
		return answer, nil
	}

	return "", fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

func (c *Controller) attempt(ctx context.Context, t domain.Transport, question string, data domain.DataContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	start := c.now()
	answer, err := t.Invoke(ctx, question, data)
	if err != nil {
		return "", err
	}
	c.logger.Debug("transport answered",
		"transport", t.Name(),
		"duration", c.now().Sub(start).String())
	return answer, nil
}

func (c *Controller) snapshot() []*record {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var enabled []*record
	for _, rec := range c.records {
		if now.Before(rec.disabledUntil) {
			continue
		}
		enabled = append(enabled, rec)
	}
	return enabled
}

func (c *Controller) markFailed(rec *record, err error) {
	c.mu.Lock()
	rec.lastErr = err
	rec.disabledUntil = c.now().Add(c.cooldown)
	until := rec.disabledUntil
	c.mu.Unlock()

	c.logger.Warn("transport failed, cooling down",
		"transport", rec.transport.Name(),
		"error", err,
		"disabled_until", until.Format(time.RFC3339))
	if c.onFailure != nil {
		c.onFailure(rec.transport.Name(), err)
	}
}

func (c *Controller) markSucceeded(rec *record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.lastErr = nil
	c.lastWinner = rec.transport.Name()
}

// LastWinner names the transport that produced the most recent answer, or ""
// if none has succeeded yet.
func (c *Controller) LastWinner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWinner
}

// State is a point-in-time view of one transport's standing.
type State struct {
	Name          string
	Priority      int
	Disabled      bool
	DisabledUntil time.Time
	LastError     string
}

// States reports every transport's standing in priority order.
func (c *Controller) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	states := make([]State, 0, len(c.records))
	for _, rec := range c.records {
		s := State{
			Name:     rec.transport.Name(),
			Priority: rec.priority,
			Disabled: now.Before(rec.disabledUntil),
		}
		if s.Disabled {
			s.DisabledUntil = rec.disabledUntil
		}
		if rec.lastErr != nil {
			s.LastError = rec.lastErr.Error()
		}
		states = append(states, s)
	}
	return states
}
