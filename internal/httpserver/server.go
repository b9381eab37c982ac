package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/bluesky-reader/internal/apierr"
	"github.com/blackmichael/bluesky-reader/internal/config"
	"github.com/blackmichael/bluesky-reader/internal/domain"
	"github.com/blackmichael/bluesky-reader/internal/feed"
	"github.com/blackmichael/bluesky-reader/internal/feedcache"
	"github.com/blackmichael/bluesky-reader/internal/richtext"
)

// Server is the HTTP server that exposes feed sessions as a JSON API.
type Server struct {
	cfg        *config.Config
	source     domain.FeedSource
	cache      *feedcache.Cache
	graph      *feed.Graph
	segmenter  *richtext.Segmenter
	logger     *slog.Logger
	httpServer *http.Server
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	ctrl     *feed.Controller
	lastUsed time.Time
}

// NewServer creates a new HTTP server. Every session reads from source and
// shares cache.
func NewServer(cfg *config.Config, source domain.FeedSource, cache *feedcache.Cache, graph *feed.Graph, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		source:    source,
		cache:     cache,
		graph:     graph,
		segmenter: &richtext.Segmenter{LinkifyURLs: cfg.LinkifyURLs},
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/feed", s.handleLoad)
	mux.HandleFunc("POST /api/feed/more", s.handleLoadMore)
	mux.HandleFunc("POST /api/feed/refresh", s.handleRefresh)
	mux.HandleFunc("DELETE /api/feed", s.handleReset)
	mux.HandleFunc("GET /api/profile/{actor}/connections", s.handleConnections)
	mux.HandleFunc("POST /api/follows", s.handleFollow)
	mux.HandleFunc("DELETE /api/follows", s.handleUnfollow)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Handlers answer within the retry budget; the write deadline leaves room
	// to encode the response after that.
	budget := cfg.Feed.Budget()
	var writeTimeout time.Duration
	if budget > 0 {
		writeTimeout = budget + 10*time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, withDeadline(budget, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and resets every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.ctrl.Reset()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	return err
}

// StartSessionCleanup drops sessions idle for longer than maxIdle, every
// interval, until ctx is cancelled.
func (s *Server) StartSessionCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.dropIdleSessions(maxIdle); n > 0 {
				s.logger.Info("idle sessions dropped", "dropped", n)
			}
		}
	}
}

func (s *Server) dropIdleSessions(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			sess.ctrl.Reset()
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}

// session returns the session with id, creating it when create is set. An
// empty id always creates a new session.
func (s *Server) session(id string, create bool) (string, *feed.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			sess.lastUsed = s.now()
			return id, sess.ctrl, true
		}
	}
	if !create {
		return "", nil, false
	}
	if id == "" {
		id = uuid.NewString()
	}
	ctrl := feed.NewController(s.source, s.cache, s.cfg.Feed, feed.WithLogger(s.logger.With("session", id)))
	s.sessions[id] = &session{ctrl: ctrl, lastUsed: s.now()}
	return id, ctrl, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := domain.FeedKind(q.Get("kind"))
	if kind == "" {
		kind = domain.KindTimeline
	}
	params := domain.Params{
		domain.ParamActor: q.Get(domain.ParamActor),
		domain.ParamTag:   q.Get(domain.ParamTag),
		domain.ParamLimit: q.Get(domain.ParamLimit),
	}

	id, ctrl, _ := s.session(q.Get("session"), true)
	snap, err := ctrl.Load(r.Context(), kind, params)
	s.respond(w, r, id, snap, err)
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.session(r.URL.Query().Get("session"), false)
	if !ok {
		writeError(w, http.StatusNotFound, "SessionNotFound", "unknown session")
		return
	}
	snap, err := ctrl.LoadMore(r.Context())
	s.respond(w, r, id, snap, err)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.session(r.URL.Query().Get("session"), false)
	if !ok {
		writeError(w, http.StatusNotFound, "SessionNotFound", "unknown session")
		return
	}
	snap, err := ctrl.Refresh(r.Context())
	s.respond(w, r, id, snap, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ctrl, ok := s.session(r.URL.Query().Get("session"), false)
	if !ok {
		writeError(w, http.StatusNotFound, "SessionNotFound", "unknown session")
		return
	}
	s.respond(w, r, id, ctrl.Reset(), nil)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	actor := r.PathValue("actor")
	conns, err := s.graph.Connections(r.Context(), actor)
	if err != nil {
		s.logger.Error("failed to get connections", "actor", actor, "error", err)
		status, code := statusOf(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "body must be a JSON object with a subject")
		return
	}

	uri, err := s.graph.Follow(r.Context(), body.Subject)
	if err != nil {
		s.logger.Error("failed to follow", "subject", body.Subject, "error", err)
		status, code := statusOf(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uri": uri})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if err := s.graph.Unfollow(r.Context(), uri); err != nil {
		s.logger.Error("failed to unfollow", "uri", uri, "error", err)
		status, code := statusOf(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// feedResponse is a session snapshot plus, when requested, the rendered
// segments of every post. Code and Message describe why a request was
// refused or failed; Error is only set for remote failure kinds.
type feedResponse struct {
	Session string `json:"session"`
	feed.Snapshot
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
	Rendered []renderedPost `json:"rendered,omitempty"`
}

type renderedPost struct {
	URI      string             `json:"uri"`
	Segments []richtext.Segment `json:"segments"`
	Quoted   []richtext.Segment `json:"quoted,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, id string, snap feed.Snapshot, err error) {
	resp := feedResponse{Session: id, Snapshot: snap}
	if r.URL.Query().Get("render") == "1" {
		resp.Rendered = s.render(snap.Posts)
	}

	status := http.StatusOK
	if err != nil {
		status, resp.Code = statusOf(err)
		resp.Message = err.Error()
		if resp.Error == nil && apierr.KindOf(err) != "" {
			e := apierr.Classify(err)
			resp.Error = &feed.Failure{Kind: e.Kind, Message: e.Message, Retryable: e.Retryable()}
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) render(posts []domain.Post) []renderedPost {
	out := make([]renderedPost, len(posts))
	for i, p := range posts {
		out[i] = renderedPost{
			URI:      p.URI,
			Segments: s.segmenter.Segment(p.Text, p.Facets),
		}
		if p.QuotedPost != nil {
			out[i].Quoted = s.segmenter.Segment(p.QuotedPost.Text, p.QuotedPost.Facets)
		}
	}
	return out
}

// statusOf maps an error onto an HTTP status and a short error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, feed.ErrNoCursor):
		return http.StatusConflict, "NoMorePages"
	case errors.Is(err, feed.ErrBusy):
		return http.StatusConflict, "Busy"
	case errors.Is(err, feed.ErrNotLoaded):
		return http.StatusConflict, "NotLoaded"
	case errors.Is(err, feed.ErrDisabled):
		return http.StatusServiceUnavailable, "Disabled"
	case errors.Is(err, context.Canceled):
		return 499, "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, string(apierr.KindTimeout)
	}

	switch apierr.KindOf(err) {
	case apierr.KindValidation:
		return http.StatusBadRequest, string(apierr.KindValidation)
	case apierr.KindAuth:
		return http.StatusUnauthorized, string(apierr.KindAuth)
	case apierr.KindRateLimit:
		return http.StatusTooManyRequests, string(apierr.KindRateLimit)
	case apierr.KindOffline:
		return http.StatusServiceUnavailable, string(apierr.KindOffline)
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout, string(apierr.KindTimeout)
	default:
		return http.StatusBadGateway, string(apierr.KindAPI)
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

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// withDeadline bounds every request context by d. Zero leaves requests
// unbounded.
func withDeadline(d time.Duration, next http.Handler) http.Handler {
	if d <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
