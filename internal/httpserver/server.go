package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/member-feed/internal/config"
	"github.com/blackmichael/member-feed/internal/domain"
	"github.com/blackmichael/member-feed/internal/firehose"
	"github.com/blackmichael/member-feed/internal/metrics"
)

const (
	defaultLimit      = 50
	healthPingTimeout = 2 * time.Second
)

// ConsumerStatus reports the firehose subscriber's progress for /health.
type ConsumerStatus interface {
	State() firehose.State
	Checkpoint() int64
}

// Server is the HTTP server that serves feed generator XRPC endpoints and
// the admin API.
type Server struct {
	cfg         *config.Config
	feedService *domain.FeedService
	consumer    ConsumerStatus
	metrics     *metrics.Metrics
	logger      *slog.Logger
	limiter     *limiterPool
	handler     http.Handler
	httpServer  *http.Server
}

// NewServer creates a new HTTP server with the given feed service. consumer
// may be nil when no subscriber runs in this process.
func NewServer(cfg *config.Config, feedService *domain.FeedService, consumer ConsumerStatus, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		consumer:    consumer,
		metrics:     m,
		logger:      logger,
		limiter:     newLimiterPool(adminRPS, adminBurst, limiterIdleTTL),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDoc)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", s.withTimeout(s.handleGetFeedSkeleton))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /admin/insertPost", s.requireAdmin(s.withTimeout(s.handleInsertPost)))
	mux.HandleFunc("POST /admin/updateFeed", s.requireAdmin(s.withTimeout(s.handleUpdateFeed)))
	mux.HandleFunc("GET /admin/stats", s.requireAdmin(s.withTimeout(s.handleStats)))
	mux.HandleFunc("GET /admin/posts", s.requireAdmin(s.withTimeout(s.handleListPosts)))
	mux.HandleFunc("POST /admin/reloadMembers", s.requireAdmin(s.handleReloadMembers))

	s.handler = withLogging(logger, m, mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{"status": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := s.feedService.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["store"] = "unavailable"
	} else {
		resp["store"] = "ok"
	}

	if s.consumer != nil {
		resp["consumer"] = map[string]any{
			"state":      s.consumer.State().String(),
			"checkpoint": s.consumer.Checkpoint(),
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	desc := s.feedService.Describe()
	feeds := make([]map[string]string, 0, len(desc.Feeds))
	for _, f := range desc.Feeds {
		feeds = append(feeds, map[string]string{"uri": f.URI})
	}

	resp := map[string]any{
		"did":   desc.DID,
		"feeds": feeds,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	cursor := r.URL.Query().Get("cursor")

	skeleton, err := s.feedService.GetFeedSkeleton(r.Context(), feedURI, limit, cursor)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "UnknownFeed", err.Error())
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	s.logger.Debug("getFeedSkeleton success", "feed", feedURI, "posts_returned", len(skeleton.Posts), "next_cursor", skeleton.Cursor)
	writeJSON(w, http.StatusOK, toSkeletonResponse(skeleton))
}

// parseLimit reads the limit query parameter. Out-of-range values are
// clamped by the feed service; only unparseable ones are rejected.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(l)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
		return 0, false
	}
	return limit, true
}

func toSkeletonResponse(skeleton *domain.FeedSkeleton) map[string]any {
	posts := make([]map[string]string, len(skeleton.Posts))
	for i, p := range skeleton.Posts {
		posts[i] = map[string]string{"post": p.Post}
	}
	resp := map[string]any{"feed": posts}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}
	return resp
}

// writeServiceError maps domain error kinds to HTTP responses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound *domain.NotFoundError
		invalid  *domain.InvalidRequestError
	)
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "InvalidRequest", invalid.Error())
	case errors.As(err, &notFound):
		body := map[string]any{"error": "NotFound", "message": notFound.Error()}
		if len(notFound.Missing) > 0 {
			body["missing"] = notFound.Missing
		}
		writeJSON(w, http.StatusNotFound, body)
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request timed out", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Timeout", "request timed out")
	case errors.Is(err, domain.ErrStorageUnavailable):
		s.logger.Error("storage unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "storage unavailable")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}
