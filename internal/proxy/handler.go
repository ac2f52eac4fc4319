// Package proxy is the server half of the bridge: one chi-routed endpoint
// per communication method, all sharing a conversational exchange core that
// degrades to the rule-based generator and never surfaces a hard failure.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vizbridge/vizbridge/internal/answer"
	"github.com/vizbridge/vizbridge/internal/diagnostics"
	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/metrics"
	"github.com/vizbridge/vizbridge/internal/server"
	"github.com/vizbridge/vizbridge/internal/store"
	"github.com/vizbridge/vizbridge/internal/tokens"
	"github.com/vizbridge/vizbridge/internal/upstream"
)

const (
	// processingAnswer is returned when the outer deadline expires before
	// either the exchange or the fallback could run to completion.
	processingAnswer = "Your question is still being processed. Please ask again in a moment."

	healthProbeTimeout = 1500 * time.Millisecond
	beaconPutTimeout   = 5 * time.Second
)

// UpstreamClient is the slice of the conversational backend the proxy needs.
type UpstreamClient interface {
	CreateConversation(ctx context.Context) (*upstream.Session, error)
	PostMessage(ctx context.Context, session *upstream.Session, text string) error
	ListReplies(ctx context.Context, session *upstream.Session) ([]upstream.Message, error)
	Ping(ctx context.Context) error
}

// Options tunes the proxy. Zero values fall back to the defaults below.
type Options struct {
	// FastDeadline bounds the script, frame and synchronous beacon paths;
	// StreamDeadline bounds the stream path; BeaconDeadline bounds the
	// detached beacon exchange. All sit under the hosting platform's
	// execution ceiling so a slow upstream degrades instead of being killed.
	FastDeadline   time.Duration
	StreamDeadline time.Duration
	BeaconDeadline time.Duration

	// AllowedOrigins is the host origin allow-list embedded in frame pages.
	AllowedOrigins []string

	// TokenBudget caps the context digest forwarded upstream.
	TokenBudget int

	Environment       string
	StoreBackend      string
	CredentialPresent bool
}

func (o Options) withDefaults() Options {
	if o.FastDeadline <= 0 {
		o.FastDeadline = 9 * time.Second
	}
	if o.StreamDeadline <= 0 {
		o.StreamDeadline = 14 * time.Second
	}
	if o.BeaconDeadline <= 0 {
		o.BeaconDeadline = 20 * time.Second
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = 600
	}
	return o
}

// Handler serves every bridge endpoint. The upstream client and options sit
// behind a lock so a config reload can swap them without a restart.
type Handler struct {
	logger  *slog.Logger
	store   store.ResponseStore
	est     *tokens.Estimator
	diag    *diagnostics.Recorder
	started time.Time

	mu     sync.RWMutex
	client UpstreamClient
	opts   Options

	// beacons tracks detached beacon exchanges so shutdown can drain them.
	beacons sync.WaitGroup
}

func NewHandler(logger *slog.Logger, client UpstreamClient, st store.ResponseStore, opts Options) *Handler {
	return &Handler{
		logger:  logger,
		store:   st,
		est:     tokens.NewEstimator(),
		diag:    diagnostics.NewRecorder(),
		started: time.Now(),
		client:  client,
		opts:    opts.withDefaults(),
	}
}

// Reconfigure swaps the upstream client and options. In-flight requests keep
// the snapshot they started with.
func (h *Handler) Reconfigure(client UpstreamClient, opts Options) {
	h.mu.Lock()
	h.client = client
	h.opts = opts.withDefaults()
	h.mu.Unlock()
	h.logger.Info("proxy reconfigured",
		slog.String("environment", opts.Environment),
		slog.Bool("credential_present", opts.CredentialPresent),
	)
}

// Drain waits for detached beacon exchanges to finish, bounded by ctx.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Routes mounts every endpoint. The chat group optionally sits behind a
// per-client rate limiter; the response store and introspection endpoints
// stay unthrottled because the beacon flow polls the former aggressively.
func (h *Handler) Routes(limiter *server.ClientLimiter) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(server.RateLimitMiddleware(limiter))
		}
		r.Get("/api/chat/script", h.handleScript)
		r.Get("/api/chat/frame", h.handleFrame)
		r.Get("/api/chat/stream", h.handleStream)
		r.Get("/api/chat/beacon", h.handleBeacon)
	})

	r.Get("/api/responses", h.handleTakeResponse)
	r.Post("/api/responses", h.handleStoreResponse)
	r.Get("/api/health", h.handleHealth)
	r.Get("/api/debug", h.handleDebug)

	return r
}

func (h *Handler) snapshot() (UpstreamClient, Options) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client, h.opts
}

// respond runs the shared answer pipeline for the synchronous methods under
// the method's outer deadline.
func (h *Handler) respond(ctx context.Context, method domain.CommunicationMethod, question string, data domain.DataContext) domain.Envelope {
	client, opts := h.snapshot()

	profile, deadline := fastProfile, opts.FastDeadline
	if method == domain.MethodStream {
		profile, deadline = streamProfile, opts.StreamDeadline
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	return h.converse(ctx, client, method, question, data, profile, opts.TokenBudget)
}

// converse is the exchange core: truncate, try the upstream conversation,
// fall back to the rule-based generator, and if even that window is gone,
// answer "still processing". Always returns a well-formed envelope.
func (h *Handler) converse(ctx context.Context, client UpstreamClient, method domain.CommunicationMethod, question string, data domain.DataContext, p exchangeProfile, budget int) domain.Envelope {
	start := time.Now()
	metrics.ChatRequests.WithLabelValues(string(method)).Inc()

	if strings.TrimSpace(question) == "" {
		return domain.Envelope{
			Method:        domain.SourceFallback,
			Error:         "missing question parameter",
			ExecutionTime: time.Since(start).Milliseconds(),
			Timestamp:     time.Now().UTC(),
		}
	}

	slimQuestion, slimData := truncateForUpstream(question, data)
	text := h.composeMessage(slimQuestion, slimData, budget)

	answerText, err := h.exchange(ctx, client, text, p)
	source := domain.SourceAssistant
	if err != nil {
		h.diag.Record(err)
		server.AddError(ctx, err)
		if ctx.Err() != nil {
			// The outer deadline won; the platform is about to cut us off.
			source = domain.SourceProcessing
			answerText = processingAnswer
		} else {
			// The fallback sees the original question, not the truncated one.
			source = domain.SourceFallback
			res := answer.Generate(question, data)
			answerText = res.Text
			server.AddLogField(ctx, "fallback_category", res.Category)
		}
	}

	server.AddLogField(ctx, "answer_source", string(source))
	metrics.AnswerSources.WithLabelValues(string(source)).Inc()
	metrics.ExchangeDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())

	return domain.Envelope{
		Answer:        answerText,
		Method:        source,
		ExecutionTime: time.Since(start).Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
}

func (h *Handler) handleScript(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "transport", string(domain.MethodScript))
	question, data := decodeChatRequest(r)
	callback := sanitizeCallback(r.URL.Query().Get(domain.ParamCallback))

	env := h.respond(r.Context(), domain.MethodScript, question, data)
	writeScript(w, callback, env)
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "transport", string(domain.MethodFrame))
	question, data := decodeChatRequest(r)
	_, opts := h.snapshot()

	env := h.respond(r.Context(), domain.MethodFrame, question, data)
	writeFrame(w, env, opts.AllowedOrigins)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "transport", string(domain.MethodStream))
	question, data := decodeChatRequest(r)

	env := h.respond(r.Context(), domain.MethodStream, question, data)
	writeStream(w, env)
}

// handleBeacon answers with the pixel immediately and finishes the exchange
// in a detached task; the result lands in the response store under the
// caller's session ID for the poll endpoint to collect.
func (h *Handler) handleBeacon(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "transport", string(domain.MethodBeacon))
	question, data := decodeChatRequest(r)
	session := r.URL.Query().Get(domain.ParamSession)
	if session == "" {
		session = uuid.New().String()
	}
	server.AddLogField(r.Context(), "session", session)

	client, opts := h.snapshot()

	h.beacons.Add(1)
	metrics.BeaconTasks.Inc()
	go func() {
		defer h.beacons.Done()
		defer metrics.BeaconTasks.Dec()

		// The request context dies with the GIF response; the detached
		// exchange gets its own clock.
		ctx, cancel := context.WithTimeout(context.Background(), opts.BeaconDeadline)
		defer cancel()

		env := h.converse(ctx, client, domain.MethodBeacon, question, data, fastProfile, opts.TokenBudget)

		putCtx, cancelPut := context.WithTimeout(context.Background(), beaconPutTimeout)
		defer cancelPut()
		if err := h.store.Put(putCtx, session, env); err != nil {
			h.logger.Error("failed to store beacon answer",
				slog.String("session", session),
				slog.String("error", err.Error()),
			)
			return
		}
		h.refreshStoreGauge(putCtx)
	}()

	writeBeacon(w)
}

type storeRequest struct {
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Data      domain.Envelope `json:"data"`
}

func (h *Handler) handleStoreResponse(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	if req.Action != "store" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "action must be \"store\" with a sessionId"})
		return
	}

	if err := h.store.Put(r.Context(), req.SessionID, req.Data); err != nil {
		server.AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "store failed"})
		return
	}
	h.refreshStoreGauge(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{"stored": true, "sessionId": req.SessionID})
}

func (h *Handler) handleTakeResponse(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get(domain.ParamSession)
	if session == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing session parameter"})
		return
	}

	env, found, err := h.store.Take(r.Context(), session)
	if err != nil {
		server.AddError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "store failed"})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"found": false, "waiting": true})
		return
	}
	h.refreshStoreGauge(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{"found": true, "data": env})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	client, opts := h.snapshot()

	upstreamState := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		upstreamState = "unreachable"
	}

	entries, err := h.store.Len(r.Context())
	if err != nil {
		server.AddError(r.Context(), err)
		entries = -1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptime":            time.Since(h.started).Round(time.Second).String(),
		"environment":       opts.Environment,
		"credentialPresent": opts.CredentialPresent,
		"upstream":          upstreamState,
		"store": map[string]any{
			"backend": opts.StoreBackend,
			"entries": entries,
		},
	})
}

func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request) {
	_, opts := h.snapshot()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	writeJSON(w, http.StatusOK, map[string]any{
		"goVersion":  runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]any{
			"allocBytes":      ms.Alloc,
			"totalAllocBytes": ms.TotalAlloc,
			"sysBytes":        ms.Sys,
			"numGC":           ms.NumGC,
		},
		"config": map[string]any{
			"environment":       opts.Environment,
			"storeBackend":      opts.StoreBackend,
			"fastDeadline":      opts.FastDeadline.String(),
			"streamDeadline":    opts.StreamDeadline.String(),
			"beaconDeadline":    opts.BeaconDeadline.String(),
			"tokenBudget":       opts.TokenBudget,
			"allowedOrigins":    opts.AllowedOrigins,
			"credentialPresent": opts.CredentialPresent,
		},
		"recentErrors": h.diag.History(),
	})
}

func (h *Handler) refreshStoreGauge(ctx context.Context) {
	if n, err := h.store.Len(ctx); err == nil {
		metrics.StoredResponses.Set(float64(n))
	}
}
