// Package transport implements the four communication methods the bridge
// can use to reach its proxy from inside a host page whose origin rules
// block plain XHR: script injection, hidden-frame message passing, server
// push and image-beacon polling. Each adapter satisfies domain.Transport
// and cleans up everything it opens on every exit path.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// defaultTimeout is the self-imposed ceiling for the script, frame and
// stream adapters. The controller's per-attempt deadline sits above it.
const defaultTimeout = 15 * time.Second

// Option configures an adapter.
type Option func(*settings)

type settings struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *settings) {
		s.httpClient = httpClient
	}
}

// WithTimeout overrides the adapter's self-imposed timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.timeout = timeout
	}
}

func newSettings(opts ...Option) settings {
	s := settings{
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// chatQuery encodes the question and data context the way every chat
// endpoint expects them.
func chatQuery(question string, data domain.DataContext) url.Values {
	v := url.Values{}
	v.Set(domain.ParamQuestion, question)
	if raw, err := json.Marshal(data); err == nil {
		v.Set(domain.ParamContext, string(raw))
	}
	return v
}

// get fetches a URL and returns the body of a 200 response.
func get(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// envelopeAnswer unwraps an envelope into the answer the caller wants, or
// the error the proxy embedded. An envelope with neither is itself an error;
// adapters never resolve to an empty answer.
func envelopeAnswer(env domain.Envelope) (string, error) {
	if env.Error != "" {
		return "", fmt.Errorf("proxy reported: %s", env.Error)
	}
	if env.Answer == "" {
		return "", errors.New("envelope held no answer")
	}
	return env.Answer, nil
}
