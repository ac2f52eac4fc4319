package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// Script is the script-injection transport: the proxy wraps the envelope in
// a call to a caller-chosen function, the way a <script src> sidesteps the
// host page's origin rules.
type Script struct {
	baseURL string
	s       settings
}

func NewScript(proxyURL string, opts ...Option) *Script {
	return &Script{
		baseURL: strings.TrimSuffix(proxyURL, "/"),
		s:       newSettings(opts...),
	}
}

func (s *Script) Name() string {
	return string(domain.MethodScript)
}

func (s *Script) Invoke(ctx context.Context, question string, data domain.DataContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.s.timeout)
	defer cancel()

	callback := callbackName()
	q := chatQuery(question, data)
	q.Set(domain.ParamCallback, callback)

	body, err := get(ctx, s.s.httpClient, s.baseURL+"/api/chat/script?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("script transport failed: %w", err)
	}

	payload, err := stripCallback(string(body), callback)
	if err != nil {
		return "", fmt.Errorf("script transport failed: %w", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("script transport failed: malformed envelope: %w", err)
	}
	return envelopeAnswer(env)
}

// callbackName generates a fresh function name per request so stale
// responses can never be confused with live ones.
func callbackName() string {
	return "cb_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func stripCallback(body, callback string) ([]byte, error) {
	trimmed := strings.TrimSpace(body)
	prefix, suffix := callback+"(", ");"
	if !strings.HasPrefix(trimmed, prefix) || !strings.HasSuffix(trimmed, suffix) {
		return nil, fmt.Errorf("response is not a %s(...) call", callback)
	}
	return []byte(trimmed[len(prefix) : len(trimmed)-len(suffix)]), nil
}
