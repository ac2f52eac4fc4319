// Package upstream is the client for the conversational backend's three-call
// contract: create a conversation, post the question, poll the transcript for
// a reply.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://chat-api.vizbridge.dev"
	defaultIdentity = "vizbridge"
)

var (
	// ErrNoCredential is returned before any network call when no API
	// credential is configured.
	ErrNoCredential = errors.New("no upstream credential configured")

	// ErrNoReply means the transcript held no reply within the poll budget.
	ErrNoReply = errors.New("no reply from upstream")
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithIdentity sets the author name this client posts under. Replies are
// whatever the transcript holds from any other author.
func WithIdentity(identity string) ClientOption {
	return func(c *Client) {
		c.identity = identity
	}
}

// Client is an HTTP client for the conversational backend.
type Client struct {
	credential string
	identity   string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client. The credential authorizes conversation
// creation; subsequent calls ride on the conversation's own token.
func NewClient(credential string, opts ...ClientOption) *Client {
	c := &Client{
		credential: credential,
		identity:   defaultIdentity,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the author name this client posts under.
func (c *Client) Identity() string {
	return c.identity
}

// CreateConversation opens a fresh conversation on the backend.
func (c *Client) CreateConversation(ctx context.Context) (*Session, error) {
	if c.credential == "" {
		return nil, ErrNoCredential
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/conversations", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, c.credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conversation create failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result createConversationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.ID == "" {
		return nil, fmt.Errorf("conversation create returned no id")
	}

	return &Session{
		ConversationID: result.ID,
		Token:          result.Token,
		CreatedAt:      time.Now(),
	}, nil
}

// PostMessage appends the question to the conversation transcript.
func (c *Client) PostMessage(ctx context.Context, session *Session, text string) error {
	body, err := json.Marshal(postMessageRequest{Author: c.identity, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, session.ConversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, session.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("message post failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

// ListReplies fetches the transcript and returns the messages authored by
// anyone other than this client, oldest first.
func (c *Client) ListReplies(ctx context.Context, session *Session) ([]Message, error) {
	url := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, session.ConversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, session.Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message list failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result listMessagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	replies := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		if msg.Author == c.identity {
			continue
		}
		replies = append(replies, msg)
	}
	return replies, nil
}

// Ping probes backend reachability. Any HTTP response counts as reachable;
// only transport-level failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "vizbridge/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	if token == "" {
		token = c.credential
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "vizbridge/1.0")
}
