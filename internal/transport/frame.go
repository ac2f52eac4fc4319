package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// Frame is the hidden-frame transport: the proxy answers with an HTML page
// that posts the envelope to its embedding window, addressed to an origin
// allow-list. The adapter extracts the embedded envelope and honors the
// allow-list the way a browser would: an answer not addressed to this host
// origin is rejected.
type Frame struct {
	baseURL    string
	hostOrigin string
	s          settings
}

func NewFrame(proxyURL, hostOrigin string, opts ...Option) *Frame {
	return &Frame{
		baseURL:    strings.TrimSuffix(proxyURL, "/"),
		hostOrigin: hostOrigin,
		s:          newSettings(opts...),
	}
}

func (f *Frame) Name() string {
	return string(domain.MethodFrame)
}

func (f *Frame) Invoke(ctx context.Context, question string, data domain.DataContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.s.timeout)
	defer cancel()

	body, err := get(ctx, f.s.httpClient, f.baseURL+"/api/chat/frame?"+chatQuery(question, data).Encode())
	if err != nil {
		return "", fmt.Errorf("frame transport failed: %w", err)
	}

	env, origins, err := parseFramePage(string(body))
	if err != nil {
		return "", fmt.Errorf("frame transport failed: %w", err)
	}

	allowed := false
	for _, origin := range origins {
		if origin == f.hostOrigin {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("frame transport failed: host origin %q is not in the page's allow-list", f.hostOrigin)
	}

	return envelopeAnswer(env)
}

// parseFramePage pulls the payload and origin list out of the page's inline
// script. Both are rendered as single-line JSON by the proxy.
func parseFramePage(body string) (domain.Envelope, []string, error) {
	var env domain.Envelope
	var origins []string
	sawPayload := false

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if raw, ok := strings.CutPrefix(line, "var payload = "); ok {
			if err := json.Unmarshal([]byte(strings.TrimSuffix(raw, ";")), &env); err != nil {
				return env, nil, fmt.Errorf("malformed embedded envelope: %w", err)
			}
			sawPayload = true
		}
		if raw, ok := strings.CutPrefix(line, "var origins = "); ok {
			if err := json.Unmarshal([]byte(strings.TrimSuffix(raw, ";")), &origins); err != nil {
				return env, nil, fmt.Errorf("malformed origin list: %w", err)
			}
		}
	}

	if !sawPayload {
		return env, nil, errors.New("page carries no envelope")
	}
	return env, origins, nil
}
