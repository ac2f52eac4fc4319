package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// Stream is the event-stream transport: the proxy emits the envelope as a
// single server-sent event. Streams are readable cross-origin without a
// preflight, which is what makes this a viable second choice.
type Stream struct {
	baseURL string
	s       settings
}

func NewStream(proxyURL string, opts ...Option) *Stream {
	return &Stream{
		baseURL: strings.TrimSuffix(proxyURL, "/"),
		s:       newSettings(opts...),
	}
}

func (s *Stream) Name() string {
	return string(domain.MethodStream)
}

func (s *Stream) Invoke(ctx context.Context, question string, data domain.DataContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.s.timeout)
	defer cancel()

	target := s.baseURL + "/api/chat/stream?" + chatQuery(question, data).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("stream transport failed: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stream transport failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream transport failed: request failed (status %d)", resp.StatusCode)
	}

	env, err := readFirstEvent(resp.Body)
	if err != nil {
		return "", fmt.Errorf("stream transport failed: %w", err)
	}
	return envelopeAnswer(env)
}

// readFirstEvent scans for the first data line. The proxy sends exactly one
// event per request, so anything after it is ignored.
func readFirstEvent(r io.Reader) (domain.Envelope, error) {
	var env domain.Envelope
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return env, fmt.Errorf("malformed event payload: %w", err)
		}
		return env, nil
	}
	if err := scanner.Err(); err != nil {
		return env, fmt.Errorf("failed to read event stream: %w", err)
	}
	return env, errors.New("stream ended without an event")
}
