package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// Beacon is the fire-and-poll transport of last resort: the request rides a
// tracking-pixel fetch tagged with a session ID, the proxy answers out of
// band, and the adapter polls the response store until the answer lands.
// Unlike the other adapters it carries no self-timeout; the poll schedule
// itself bounds how long an invocation can run.
type Beacon struct {
	baseURL string
	s       settings

	// Poll schedule. Unexported so tests can shrink the waits.
	initialWait  time.Duration
	pollInterval time.Duration
	maxPolls     int
}

func NewBeacon(proxyURL string, opts ...Option) *Beacon {
	return &Beacon{
		baseURL:      strings.TrimSuffix(proxyURL, "/"),
		s:            newSettings(opts...),
		initialWait:  2 * time.Second,
		pollInterval: time.Second,
		maxPolls:     15,
	}
}

func (b *Beacon) Name() string {
	return string(domain.MethodBeacon)
}

type pollResponse struct {
	Found   bool            `json:"found"`
	Waiting bool            `json:"waiting,omitempty"`
	Data    domain.Envelope `json:"data,omitempty"`
}

func (b *Beacon) Invoke(ctx context.Context, question string, data domain.DataContext) (string, error) {
	session := uuid.New().String()

	q := chatQuery(question, data)
	q.Set(domain.ParamSession, session)
	if _, err := get(ctx, b.s.httpClient, b.baseURL+"/api/chat/beacon?"+q.Encode()); err != nil {
		return "", fmt.Errorf("beacon transport failed: %w", err)
	}

	// The pixel comes back immediately; the answer arrives later.
	timer := time.NewTimer(b.initialWait)
	defer timer.Stop()

	var lastErr error
	for attempt := 0; attempt < b.maxPolls; attempt++ {
		if attempt > 0 {
			timer.Reset(b.pollInterval)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("beacon transport failed: %w", ctx.Err())
		case <-timer.C:
		}

		env, found, err := b.poll(ctx, session)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return envelopeAnswer(env)
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("beacon transport failed: polling gave up: %w", lastErr)
	}
	return "", fmt.Errorf("beacon transport failed: no answer after %d polls", b.maxPolls)
}

func (b *Beacon) poll(ctx context.Context, session string) (domain.Envelope, bool, error) {
	q := url.Values{}
	q.Set(domain.ParamSession, session)

	body, err := get(ctx, b.s.httpClient, b.baseURL+"/api/responses?"+q.Encode())
	if err != nil {
		return domain.Envelope{}, false, err
	}

	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return domain.Envelope{}, false, fmt.Errorf("malformed poll response: %w", err)
	}
	return pr.Data, pr.Found, nil
}
