// Package httpapi implements the HTTP server for hitl: the Slack interaction
// webhook, the escalation API and the run event streams.
//
// Security:
//   - Slack callbacks authenticated by request signature (see gateway/slack)
//   - API key authentication on the escalation API (constant-time comparison);
//     without configured keys only loopback peers are served
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here). Behind a proxy the
//     loopback fallbacks are off (Config.BehindProxy)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/yencolon/human-in-the-loop-chat/internal/escalation"
	slackgw "github.com/yencolon/human-in-the-loop-chat/internal/gateway/slack"
	"github.com/yencolon/human-in-the-loop-chat/internal/gateway/ws"
	"github.com/yencolon/human-in-the-loop-chat/internal/observability"
	"github.com/yencolon/human-in-the-loop-chat/internal/ratelimit"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

const (
	webhookPath     = "/api/slack-webhook"
	simulationPath  = "/api/test-webhook"
	escalationsPath = "/api/escalations/"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Escalator starts escalation runs. Satisfied by *escalation.Orchestrator.
type Escalator interface {
	Start(ctx context.Context, req escalation.Request) (string, <-chan escalation.Outcome, error)
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr        string // e.g., ":8080"
	EnableDocs        bool
	SimulationEnabled bool     // Mounts POST /api/test-webhook.
	APIKeys           []string // Bearer keys for the escalation API. Empty = loopback only.
	MaxRequestSize    int64    // Maximum request body in bytes. 0 = 1 MB default.
	BehindProxy       bool     // Peer addresses are the proxy's: no loopback trust.
	Version           string   // Shown in the OpenAPI document.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP server.
type Gateway struct {
	config      Config
	webhook     *slackgw.Webhook
	escalations Escalator // nil = escalation API disabled.
	events      *runlog.Log
	follower    *ws.Server
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
	server      *http.Server
	okapi       *okapi.Okapi

	// runCtx bounds escalations started over HTTP. They outlive the request
	// that started them and detach on shutdown.
	mu     sync.Mutex
	runCtx context.Context
}

// NewGateway creates the HTTP server. events may be nil, which disables the
// stream endpoints.
func NewGateway(cfg Config, webhook *slackgw.Webhook, escalations Escalator, events *runlog.Log, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	g := &Gateway{
		config:      cfg,
		webhook:     webhook,
		escalations: escalations,
		events:      events,
		limiter:     rl,
		logger:      logger,
		okapi:       okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
		runCtx:      context.Background(),
	}
	// No write timeout: event streams stay open until the run is decided.
	g.server = &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return g.runContext() },
	}
	if events != nil {
		g.follower = ws.NewServer(events, logger)
	}
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "hitl",
			Version: version,
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.runCtx = ctx
	g.mu.Unlock()

	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitBody(g.config.MaxRequestSize, next)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Slack interaction webhook (signature authenticated).
	g.okapi.Post(webhookPath, g.handleSlackWebhook,
		okapi.DocSummary("Receive a Slack interaction callback"),
		okapi.DocTags("Webhook"),
		okapi.DocResponse(slackgw.SuccessBody{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.okapi.Get(webhookPath, g.handleWebhookStatus,
		okapi.DocSummary("Webhook health check"),
		okapi.DocTags("Webhook"),
		okapi.DocResponse(slackgw.StatusBody{}),
	)
	if g.config.SimulationEnabled && g.config.BehindProxy {
		g.logger.Warn("simulation webhook disabled behind a reverse proxy")
	} else if g.config.SimulationEnabled {
		g.okapi.Post(simulationPath, g.handleSimulation,
			okapi.DocSummary("Simulate a decision without Slack (loopback only)"),
			okapi.DocTags("Webhook"),
			okapi.DocRequestBody(slackgw.SimulationRequest{}),
			okapi.DocResponse(slackgw.SuccessBody{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.logger.Warn("simulation webhook enabled", slog.String("path", simulationPath))
	}

	// Authenticated escalation API.
	api := g.okapi.Group("/api", g.authenticate)
	if g.escalations != nil {
		api.Post("/escalations", g.handleCreateEscalation,
			okapi.DocSummary("Ask the approver to decide on an escalation"),
			okapi.DocTags("Escalations"),
			okapi.DocRequestBody(escalation.Request{}),
			okapi.DocResponse(http.StatusAccepted, EscalationResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, RateLimitedBody{}),
		)
	}
	if g.events != nil {
		api.Get("/escalations/{id}/stream", g.handleEventStream,
			okapi.DocSummary("Stream run events via SSE"),
			okapi.DocTags("Escalations"),
			okapi.DocPathParam("id", "string", "Run ID"),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.okapi.HandleStd("GET", escalationsPath+"{id}/ws", g.handleEventSocket)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("http gateway stopping")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) runContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runCtx
}

// --- Webhook Handlers ---

func (g *Gateway) handleSlackWebhook(c *okapi.Context) error {
	body, err := readBody(c.Request(), slackgw.MaxRequestSize)
	if err != nil {
		return c.AbortBadRequest("Invalid payload")
	}
	return writeResponse(c, g.webhook.HandleCallback(c.Context(), c.Request().Header, body))
}

func (g *Gateway) handleWebhookStatus(c *okapi.Context) error {
	return writeResponse(c, g.webhook.Status())
}

func (g *Gateway) handleSimulation(c *okapi.Context) error {
	body, err := readBody(c.Request(), slackgw.MaxRequestSize)
	if err != nil {
		return c.AbortBadRequest("Invalid payload")
	}
	return writeResponse(c, g.webhook.HandleSimulation(c.Context(), c.Request().RemoteAddr, body))
}

// --- Escalation Handlers ---

// EscalationResponse is returned with HTTP 202 once the approval message is sent.
type EscalationResponse struct {
	RunID string `json:"runId"`
}

// RateLimitedBody is returned with HTTP 429.
type RateLimitedBody struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

func (g *Gateway) handleCreateEscalation(c *okapi.Context) error {
	var req escalation.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	status, body := g.createEscalation(c.Context(), c.GetString("clientID"), req)
	return c.JSON(status, body)
}

// createEscalation validates, rate limits and starts a run. The run itself
// continues after the response is written.
func (g *Gateway) createEscalation(ctx context.Context, clientID string, req escalation.Request) (int, any) {
	if g.limiter != nil {
		if wait, err := g.limiter.Reserve(clientID); err != nil {
			return http.StatusTooManyRequests, RateLimitedBody{
				Error:             "rate limit exceeded",
				RetryAfterSeconds: int(math.Ceil(wait.Seconds())),
			}
		}
	}
	if err := req.Validate(); err != nil {
		return http.StatusBadRequest, ErrorBody{Error: err.Error()}
	}

	runID, outcome, err := g.escalations.Start(g.runContext(), req)
	if err != nil {
		g.logger.ErrorContext(ctx, "starting escalation",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
		return http.StatusBadGateway, ErrorBody{Error: "approval request could not be sent"}
	}

	g.logger.InfoContext(ctx, "escalation started",
		slog.String("client_id", clientID),
		slog.String("run_id", runID),
	)
	go g.awaitOutcome(runID, outcome)
	return http.StatusAccepted, EscalationResponse{RunID: runID}
}

func (g *Gateway) awaitOutcome(runID string, outcome <-chan escalation.Outcome) {
	out, ok := <-outcome
	if !ok {
		return
	}
	if out.Err != nil {
		g.logger.Warn("escalation ended without a decision",
			slog.String("run_id", runID),
			slog.String("error", out.Err.Error()),
		)
		return
	}
	g.logger.Info("escalation decided",
		slog.String("run_id", runID),
		slog.Bool("approved", out.Result.Approved),
		slog.Bool("expired", out.Result.Expired),
	)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID, ok := g.authorize(c.Header("Authorization"), c.Request().RemoteAddr)
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// authorize checks a bearer credential and returns the client identity used
// for rate limiting and logs. Without configured keys only loopback peers
// are accepted, identified by address, unless the server sits behind a proxy.
func (g *Gateway) authorize(authHeader, remoteAddr string) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		if g.config.BehindProxy {
			return "", false
		}
		host := remoteHost(remoteAddr)
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return "", false
		}
		return host, true
	}

	apiKey, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || apiKey == "" {
		return "", false
	}
	matched := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			matched = true
		}
	}
	if !matched {
		return "", false
	}
	return keyID(apiKey), true
}

// keyID is a stable, non-secret identifier for an API key.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:4])
}

// --- Helpers ---

func writeResponse(c *okapi.Context, resp slackgw.Response) error {
	return c.JSON(resp.Status, resp.Body)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func limitBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// runIDFromPath extracts {id} from /api/escalations/{id}/<suffix>.
func runIDFromPath(path, suffix string) string {
	rest, ok := strings.CutPrefix(path, escalationsPath)
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok || strings.Contains(id, "/") {
		return ""
	}
	return id
}
