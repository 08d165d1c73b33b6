// Package relay exposes the Dify chat API to browsers and terminal clients
// as a streaming HTTP and WebSocket proxy.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/difyrelay/internal/chat"
	"github.com/ashureev/difyrelay/internal/config"
	"github.com/ashureev/difyrelay/internal/dify"
	"github.com/ashureev/difyrelay/internal/identity"
)

// Upstream is the provider API the relay forwards to. *dify.Client
// implements it.
type Upstream interface {
	chat.Backend
	ListConversations(ctx context.Context, user, lastID string, limit int) (*dify.ConversationList, error)
	RenameConversation(ctx context.Context, conversationID, name, user string) (*dify.Result, error)
	DeleteConversation(ctx context.Context, conversationID, user string) (*dify.Result, error)
	GetConversationMessages(ctx context.Context, conversationID, user, firstID string, limit int) (*dify.MessageList, error)
	GetAppInfo(ctx context.Context) (*dify.AppInfo, error)
	GetAppParameters(ctx context.Context) (*dify.AppParameters, error)
	Connect(ctx context.Context) (*dify.Connection, error)
}

// UpstreamFactory builds an upstream for one request's credentials.
type UpstreamFactory func(Credentials) (Upstream, error)

// DifyFactory returns a factory of provider clients sharing httpClient.
func DifyFactory(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) UpstreamFactory {
	return func(c Credentials) (Upstream, error) {
		client, err := dify.New(dify.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			HTTPClient: httpClient,
			Timeout:    timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Options configures a Handler.
type Options struct {
	Config *config.Config
	// Upstream defaults to DifyFactory with a shared http.Client.
	Upstream UpstreamFactory
	// Registerer receives the relay metrics; defaults to a private registry.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Handler serves the relay API.
type Handler struct {
	cfg      *config.Config
	upstream UpstreamFactory
	metrics  *Metrics
	limiter  *RateLimiter
	streams  *StreamRegistry
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := opts.Upstream
	if factory == nil {
		factory = DifyFactory(&http.Client{}, opts.Config.Dify.Timeout, logger)
	}

	return &Handler{
		cfg:      opts.Config,
		upstream: factory,
		metrics:  NewMetrics(reg),
		limiter:  NewRateLimiter(opts.Config.RateLimit.RequestsPerSecond, opts.Config.RateLimit.Burst),
		streams:  NewStreamRegistry(),
		logger:   logger,
	}
}

// RegisterRoutes registers relay routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/chat/ws", h.HandleChatWebSocket)
		r.Post("/chat/{taskID}/stop", h.HandleStop)

		r.Get("/messages/{messageID}/suggested", h.HandleSuggested)
		r.Post("/messages/{messageID}/feedbacks", h.HandleFeedback)

		r.Get("/conversations", h.HandleListConversations)
		r.Patch("/conversations/{conversationID}", h.HandleRenameConversation)
		r.Delete("/conversations/{conversationID}", h.HandleDeleteConversation)
		r.Get("/conversations/{conversationID}/messages", h.HandleConversationMessages)

		r.Get("/info", h.HandleInfo)
		r.Get("/parameters", h.HandleParameters)
		r.Get("/connect", h.HandleConnect)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// userFor picks the explicit user, then the anonymous identity, then the
// configured default.
func (h *Handler) userFor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := identity.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return h.cfg.Dify.DefaultUser
}

// openUpstream resolves credentials for r and builds its upstream. Errors
// are configuration errors; no request has been sent.
func (h *Handler) openUpstream(r *http.Request, body *ChatRequest) (Upstream, Credentials, error) {
	fallback := Credentials{APIKey: h.cfg.Dify.APIKey, BaseURL: h.cfg.Dify.BaseURL}
	creds, err := resolveCredentials(r, body, fallback)
	if err != nil {
		return nil, creds, err
	}
	up, err := h.upstream(creds)
	if err != nil {
		return nil, creds, err
	}
	return up, creds, nil
}

// configErrorMessage is the user-facing text of a credential failure.
func configErrorMessage(err error) string {
	switch {
	case errors.Is(err, dify.ErrMissingAPIKey):
		return "Dify API key not provided"
	case errors.Is(err, dify.ErrMissingBaseURL):
		return "Dify API base URL not provided"
	case errors.Is(err, dify.ErrInvalidBaseURL):
		return "Dify API base URL is invalid"
	default:
		return err.Error()
	}
}

// requestLogger returns the logger for one request. The API key is never
// attached, only where it came from.
func (h *Handler) requestLogger(r *http.Request, body *ChatRequest, creds Credentials, user string) *slog.Logger {
	host := ""
	if u, err := url.Parse(creds.BaseURL); err == nil {
		host = u.Host
	}
	return h.logger.With(
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"user_id", user,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"remote_ip", identity.IPFromRequest(r),
		"upstream_host", host,
		"api_key_from_request", credentialsFromRequest(r, body),
	)
}

// upstreamFailed answers a failed pass-through call with the provider's
// status when it sent one.
func upstreamFailed(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var apiErr *dify.APIError
	switch {
	case errors.As(err, &apiErr):
		log.Warn("Upstream rejected request", "op", op, "status", apiErr.StatusCode, "code", apiErr.Code)
		writeJSON(w, apiErr.StatusCode, map[string]string{"error": apiErr.Error(), "code": apiErr.Code})
	case errors.Is(err, dify.ErrMissingUser),
		errors.Is(err, dify.ErrMissingTaskID),
		errors.Is(err, dify.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dify.ErrTimeout):
		log.Warn("Upstream timed out", "op", op)
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		log.Debug("Client went away", "op", op)
	default:
		log.Error("Upstream request failed", "op", op, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// passthrough resolves the upstream for a non-chat route. It writes the
// error response itself and reports false when the route cannot proceed.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, user string) (Upstream, *slog.Logger, bool) {
	up, creds, err := h.openUpstream(r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, configErrorMessage(err))
		return nil, nil, false
	}
	return up, h.requestLogger(r, nil, creds, user), true
}

// queryLimit parses the optional "limit" query parameter.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
