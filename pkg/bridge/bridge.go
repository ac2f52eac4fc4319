// Package bridge is the host-embedded half of vizbridge. A Client owns the
// four transport adapters behind the fallback controller, caches the host's
// current data context, and keeps a classified history of delivery failures.
//
// Hosts feed it view updates and questions:
//
//	client := bridge.New("https://proxy.example.com", "https://dashboards.example.com")
//	client.UpdateView(view)
//	answer, err := client.Ask(ctx, "which region leads?")
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vizbridge/vizbridge/internal/datactx"
	"github.com/vizbridge/vizbridge/internal/diagnostics"
	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/transport"
)

// HostView re-exports the payload shape hosts hand to UpdateView.
type HostView = datactx.HostView

// Series re-exports one field of a host view.
type Series = datactx.Series

// Answer is one delivered answer and how it got here.
type Answer struct {
	Text    string
	Method  string
	Elapsed time.Duration
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient     *http.Client
	logger         *slog.Logger
	transports     []domain.Transport
	attemptTimeout time.Duration
	cooldown       time.Duration
}

// WithHTTPClient sets the HTTP client shared by the default adapters.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransports replaces the default adapter chain. Order sets priority.
func WithTransports(transports ...domain.Transport) Option {
	return func(o *options) {
		o.transports = transports
	}
}

// WithAttemptTimeout bounds a single transport attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) {
		o.attemptTimeout = d
	}
}

// WithCooldown sets how long a failed transport sits out.
func WithCooldown(d time.Duration) Option {
	return func(o *options) {
		o.cooldown = d
	}
}

// Client asks questions about the host's loaded data through whichever
// communication method currently works. Safe for concurrent use; the
// controller underneath keeps at most one delivery in flight.
type Client struct {
	ctrl   *transport.Controller
	diag   *diagnostics.Recorder
	logger *slog.Logger

	mu   sync.RWMutex
	data domain.DataContext

	// askMu pairs each delivery with the winner lookup that follows it.
	askMu sync.Mutex
}

// New builds a client against the proxy at proxyURL. hostOrigin is the
// origin of the embedding page; the frame adapter refuses answers that were
// not addressed to it. Default priority order: script, frame, stream,
// beacon.
func New(proxyURL, hostOrigin string, opts ...Option) *Client {
	o := options{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.transports == nil {
		shared := transport.WithHTTPClient(o.httpClient)
		o.transports = []domain.Transport{
			transport.NewScript(proxyURL, shared),
			transport.NewFrame(proxyURL, hostOrigin, shared),
			transport.NewStream(proxyURL, shared),
			transport.NewBeacon(proxyURL, shared),
		}
	}

	c := &Client{
		diag:   diagnostics.NewRecorder(),
		logger: o.logger,
	}

	ctrlOpts := []transport.ControllerOption{
		transport.WithLogger(o.logger),
		transport.WithFailureHook(func(name string, err error) {
			details := c.diag.Record(err)
			c.logger.Warn("transport attempt failed",
				slog.String("transport", name),
				slog.String("code", details.Code),
				slog.String("error", err.Error()))
		}),
	}
	if o.attemptTimeout > 0 {
		ctrlOpts = append(ctrlOpts, transport.WithAttemptTimeout(o.attemptTimeout))
	}
	if o.cooldown > 0 {
		ctrlOpts = append(ctrlOpts, transport.WithCooldown(o.cooldown))
	}
	c.ctrl = transport.NewController(o.transports, ctrlOpts...)
	return c
}

// UpdateView extracts and caches the data context for subsequent questions.
// Hosts call this whenever their loaded data changes.
func (c *Client) UpdateView(view HostView) {
	data := datactx.Extract(view)
	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
}

// Data returns the currently cached data context.
func (c *Client) Data() domain.DataContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// Ask delivers one question with the cached data context attached and
// returns the answer together with the transport that carried it.
func (c *Client) Ask(ctx context.Context, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, errors.New("question is empty")
	}

	data := c.Data()

	c.askMu.Lock()
	defer c.askMu.Unlock()

	start := time.Now()
	text, err := c.ctrl.Send(ctx, question, data)
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{
		Text:    text,
		Method:  c.ctrl.LastWinner(),
		Elapsed: time.Since(start),
	}
	c.logger.Debug("question answered",
		slog.String("method", ans.Method),
		slog.Duration("elapsed", ans.Elapsed))
	return ans, nil
}

// RecentErrors returns the classified delivery failures this client has
// seen, oldest first.
func (c *Client) RecentErrors() []diagnostics.ErrorDetails {
	return c.diag.History()
}

// TransportStates reports each adapter's standing in priority order.
func (c *Client) TransportStates() []transport.State {
	return c.ctrl.States()
}
