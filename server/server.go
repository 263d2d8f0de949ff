// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nearby-alerts/community"
	"nearby-alerts/dispatch"
	"nearby-alerts/feed"
	"nearby-alerts/pkg/notifier"
	"nearby-alerts/store"
)

const maxBodyBytes = 64 << 10

// Dispatcher receives domain events and notification management calls.
type Dispatcher interface {
	OnReportCreated(ctx context.Context, r *notifier.Report) int
	OnInteraction(ctx context.Context, in dispatch.Interaction) int
	OnStatusChange(ctx context.Context, r *notifier.Report, actorID string) int
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, userID, id string) error
	DeleteAll(ctx context.Context, userID string) (int, error)
}

// Store interface for the reads the handlers need.
type Store interface {
	Report(ctx context.Context, id string) (*notifier.Report, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Finder runs nearby report queries.
type Finder interface {
	FindWithinRadius(ctx context.Context, center notifier.GeoPoint, radiusKm float64, filter notifier.ReportFilter) ([]*notifier.Report, error)
}

// Community applies user mutations.
type Community interface {
	CreateReport(ctx context.Context, in community.NewReport) (*notifier.Report, error)
	ResolveReport(ctx context.Context, reportID, actorID string) error
	DeleteReport(ctx context.Context, reportID, actorID string) error
	UpvoteReport(ctx context.Context, reportID, userID string) (bool, error)
	RemoveUpvote(ctx context.Context, reportID, userID string) (bool, error)
	AddComment(ctx context.Context, reportID, userID, text string) (*notifier.Comment, error)
	TrackReport(ctx context.Context, reportID, userID string) (bool, error)
	UntrackReport(ctx context.Context, reportID, userID string) (bool, error)
	CreatePost(ctx context.Context, userID, content string) (*notifier.Post, error)
	LikePost(ctx context.Context, postID, userID string) (bool, error)
	UnlikePost(ctx context.Context, postID, userID string) (bool, error)
	SetAlertSubscription(ctx context.Context, userID string, center notifier.GeoPoint, radiusKm float64, types []notifier.ReportType) (*notifier.AlertSubscription, error)
	ClearAlertSubscription(ctx context.Context, userID string) error
	RegisterPushToken(ctx context.Context, userID, token, platform string) error
}

// Badge streams unread counts.
type Badge interface {
	Count(ctx context.Context, userID string, fn func(int)) (store.CancelFunc, error)
}

// Feed opens live nearby views.
type Feed interface {
	Subscribe(ctx context.Context, center notifier.GeoPoint, radiusKm float64, filter notifier.ReportFilter, onUpdate func([]*notifier.Report)) (*feed.Subscription, error)
}

// Poller interface for triggering sweeps.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	dispatcher Dispatcher
	store      Store
	finder     Finder
	community  Community
	badge      Badge
	feed       Feed
	poller     Poller
	metrics    http.Handler
	limiter    *rateLimiter
	logger     *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Dispatcher Dispatcher
	Store      Store
	Finder     Finder
	Community  Community
	Badge      Badge // Enables the unread stream when set
	Feed       Feed  // Enables the nearby stream when set
	Poller     Poller
	Metrics    http.Handler // Served on /metrics when set
	Logger     *slog.Logger
	RateLimit  rate.Limit // Requests per second per client IP
	RateBurst  int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		finder:     cfg.Finder,
		community:  cfg.Community,
		badge:      cfg.Badge,
		feed:       cfg.Feed,
		poller:     cfg.Poller,
		metrics:    cfg.Metrics,
		limiter:    newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     cfg.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.handlePoll)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	// Store triggers
	mux.HandleFunc("POST /events/report-created", s.handleReportCreated)
	mux.HandleFunc("POST /events/interaction", s.handleInteraction)
	mux.HandleFunc("POST /events/status-change", s.handleStatusChange)

	// Client-facing routes are rate limited per IP.
	limited := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.limit(h))
	}
	limited("GET /users/{id}/notifications/unread", s.handleUnread)
	limited("POST /users/{id}/notifications/read-all", s.handleReadAll)
	limited("POST /users/{id}/notifications/{nid}/read", s.handleRead)
	limited("DELETE /users/{id}/notifications", s.handleDeleteAll)
	limited("PUT /users/{id}/alert-subscription", s.handlePutAlert)
	limited("DELETE /users/{id}/alert-subscription", s.handleDeleteAlert)
	limited("POST /users/{id}/push-tokens", s.handleRegisterToken)

	limited("GET /reports/nearby", s.handleNearby)
	limited("POST /reports", s.handleCreateReport)
	limited("DELETE /reports/{id}", s.handleDeleteReport)
	limited("POST /reports/{id}/resolve", s.handleResolve)
	limited("POST /reports/{id}/upvote", s.handleUpvote)
	limited("DELETE /reports/{id}/upvote", s.handleRemoveUpvote)
	limited("POST /reports/{id}/comments", s.handleComment)
	limited("POST /reports/{id}/track", s.handleTrack)
	limited("DELETE /reports/{id}/track", s.handleUntrack)
	limited("POST /posts", s.handleCreatePost)
	limited("POST /posts/{id}/like", s.handleLike)
	limited("DELETE /posts/{id}/like", s.handleUnlike)

	// Live views over websocket
	if s.badge != nil {
		limited("GET /users/{id}/notifications/unread/ws", s.handleUnreadWS)
	}
	if s.feed != nil {
		limited("GET /reports/nearby/ws", s.handleNearbyWS)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Store triggers fan out inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", notifier.ErrInvalidArgument, err)
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notifier.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, notifier.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, notifier.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, notifier.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, notifier.ErrTransientIO):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
