// Package server exposes the local HTTP surface: the authentication
// redirect callback a granting site sends the user's browser to, plus
// status and site-management endpoints for tooling.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forumwatch/internal/auth"
	"forumwatch/internal/manager"
	"forumwatch/internal/notify"
	"forumwatch/internal/serverutil"
	"forumwatch/internal/site"
)

// DefaultAddr binds the callback listener to the loopback interface only;
// the encrypted payload is for this installation alone.
const DefaultAddr = "127.0.0.1:29080"

// Config controls the server.
type Config struct {
	Addr            string
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// Server handles authentication callbacks for a manager.
type Server struct {
	manager         *manager.Manager
	notifier        *notify.Aggregator
	logger          *slog.Logger
	addr            string
	shutdownTimeout time.Duration
	handler         http.Handler
}

// New constructs the server around mgr.
func New(mgr *manager.Manager, cfg Config) *Server {
	s := &Server{
		manager:         mgr,
		logger:          cfg.Logger,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.notifier = notify.NewAggregator(notify.WithLogger(s.logger))
	if s.addr == "" {
		s.addr = DefaultAddr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/auth_redirect", s.handleAuthRedirect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sites", s.handleSites)
	mux.HandleFunc("/auth_url", s.handleAuthURL)
	mux.HandleFunc("/notifications", s.handleNotifications)
	s.handler = requestIDMiddleware(s.logger, securityHeadersMiddleware(mux))
	return s
}

// Handler returns the fully wrapped HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	s.logger.Info("callback server listening", slog.String("addr", s.addr))
	return serverutil.Run(ctx, serverutil.Config{
		Server: &http.Server{
			Addr:              s.addr,
			Handler:           s.handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := r.URL.Query().Get("payload")
	if payload == "" {
		writePage(w, http.StatusBadRequest, "Missing payload",
			"The authorization reply did not include a payload.")
		return
	}

	granted, err := s.manager.HandleAuthPayload(r.Context(), payload)
	switch {
	case err == nil:
		s.logger.Info("authentication callback accepted", slog.String("site", granted.URL()))
		writePage(w, http.StatusOK, "Connected",
			fmt.Sprintf("%s is now connected. You can close this window.", granted.Title()))
	case errors.Is(err, auth.ErrNonceMismatch), errors.Is(err, auth.ErrNoPendingHandshake):
		s.logger.Warn("authentication callback rejected", slog.Any("error", err))
		writePage(w, http.StatusConflict, "Not expecting this reply",
			"We were not expecting this reply, please try connecting again.")
	default:
		s.logger.Warn("authentication callback failed", slog.Any("error", err))
		writePage(w, http.StatusBadRequest, "Authorization failed",
			"The authorization reply could not be read, please try connecting again.")
	}
}

type statusSite struct {
	URL                   string `json:"url"`
	Title                 string `json:"title"`
	Authenticated         bool   `json:"authenticated"`
	UnreadNotifications   int    `json:"unreadNotifications"`
	UnreadPrivateMessages int    `json:"unreadPrivateMessages"`
	TotalUnread           int    `json:"totalUnread"`
	TotalNew              int    `json:"totalNew"`
}

type statusResponse struct {
	TotalUnread int          `json:"totalUnread"`
	LastRefresh time.Time    `json:"lastRefresh"`
	Sites       []statusSite `json:"sites"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := statusResponse{
		TotalUnread: s.manager.TotalUnread(),
		LastRefresh: s.manager.LastRefresh(),
	}
	for _, tracked := range s.manager.Sites() {
		notifications, pms := tracked.UnreadCounts()
		totalUnread, totalNew := tracked.Totals()
		response.Sites = append(response.Sites, statusSite{
			URL:                   tracked.URL(),
			Title:                 tracked.Title(),
			Authenticated:         tracked.Authenticated(),
			UnreadNotifications:   notifications,
			UnreadPrivateMessages: pms,
			TotalUnread:           totalUnread,
			TotalNew:              totalNew,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type addSiteRequest struct {
	Term string `json:"term"`
}

type addSiteResponse struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	AuthURL string `json:"authUrl"`
}

// handleSites adds a tracked site from a free-form term and hands back the
// URL the user must visit to grant access.
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request addSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Term == "" {
		http.Error(w, "term is required", http.StatusBadRequest)
		return
	}

	discovered, err := s.manager.SiteFromTerm(r.Context(), request.Term)
	if err != nil {
		s.logger.Warn("site discovery failed", slog.String("term", request.Term), slog.Any("error", err))
		switch {
		case errors.Is(err, site.ErrBadApi):
			http.Error(w, "site does not support user API keys", http.StatusUnprocessableEntity)
		default:
			http.Error(w, "site could not be reached", http.StatusBadGateway)
		}
		return
	}
	if err := s.manager.Add(r.Context(), discovered); err != nil {
		if errors.Is(err, manager.ErrDupeSite) {
			http.Error(w, "site is already tracked", http.StatusConflict)
			return
		}
		http.Error(w, "failed to add site", http.StatusInternalServerError)
		return
	}
	authURL, err := s.manager.AuthURL(r.Context(), discovered)
	if err != nil {
		http.Error(w, "failed to build authorization url", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, addSiteResponse{
		URL:     discovered.URL(),
		Title:   discovered.Title(),
		AuthURL: authURL,
	})
}

// handleAuthURL mints a fresh authorization URL for an already tracked site,
// for reconnecting after a revocation or a client id rotation.
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tracked := s.manager.SiteForURL(r.URL.Query().Get("site"))
	if tracked == nil {
		http.Error(w, "unknown site", http.StatusNotFound)
		return
	}
	authURL, err := s.manager.AuthURL(r.Context(), tracked)
	if err != nil {
		http.Error(w, "failed to build authorization url", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

type feedEntry struct {
	Site             string          `json:"site"`
	ID               int64           `json:"id"`
	NotificationType int             `json:"notificationType"`
	Read             bool            `json:"read"`
	CreatedAt        time.Time       `json:"createdAt"`
	TopicID          int64           `json:"topicId"`
	PostNumber       int             `json:"postNumber"`
	Slug             string          `json:"slug"`
	Data             json.RawMessage `json:"data"`
}

// handleNotifications serves the merged cross-site notification feed.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	opts := notify.Options{
		OnlyNew: r.URL.Query().Get("only_new") == "true",
	}
	for _, raw := range strings.Split(r.URL.Query().Get("types"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		kind, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "types must be integers", http.StatusBadRequest)
			return
		}
		opts.Types = append(opts.Types, kind)
	}

	entries := s.notifier.Collect(r.Context(), s.manager.Sites(), opts)
	feed := make([]feedEntry, 0, len(entries))
	for _, entry := range entries {
		feed = append(feed, feedEntry{
			Site:             entry.Site.URL(),
			ID:               entry.Notification.ID,
			NotificationType: entry.Notification.NotificationType,
			Read:             entry.Notification.Read,
			CreatedAt:        entry.Notification.CreatedAt,
			TopicID:          entry.Notification.TopicID,
			PostNumber:       entry.Notification.PostNumber,
			Slug:             entry.Notification.Slug,
			Data:             entry.Notification.Data,
		})
	}
	writeJSON(w, http.StatusOK, feed)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		title, title, message)
}
