package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"github.io/infrasutra/mailboxsync/internal/auth"
	"github.io/infrasutra/mailboxsync/internal/graph"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/mailsync"
	"github.io/infrasutra/mailboxsync/internal/push"
	"github.io/infrasutra/mailboxsync/internal/store"
	"github.io/infrasutra/mailboxsync/internal/webhook"
)

// OAuthFlow is the authorization-code login against the mail provider.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Remember(ctx context.Context, userID string, tok *oauth2.Token) error
	Forget(ctx context.Context, userID string) error
}

type ProfileLookup interface {
	Profile(ctx context.Context, accessToken string) (mailapi.Profile, error)
}

// PasswordLogin signs in against a directly configured account.
type PasswordLogin interface {
	Login(ctx context.Context, username, password string) (mailapi.Profile, error)
}

type Subscriber interface {
	CreateSubscription(ctx context.Context, userID string, req graph.SubscriptionRequest) (graph.Subscription, error)
	DeleteSubscription(ctx context.Context, userID, subscriptionID string) error
}

// Options wires the server. OAuth and Profiles are set for the Graph
// provider, Passwords for IMAP. Subscriptions and Receiver are optional.
type Options struct {
	Store           *store.Store
	DB              *store.DB
	Sessions        *auth.Sessions
	Mail            mailapi.Factory
	Sync            *mailsync.Coordinator
	Hub             *push.Hub
	Receiver        *webhook.Receiver
	OAuth           OAuthFlow
	Profiles        ProfileLookup
	Passwords       PasswordLogin
	Subscriptions   Subscriber
	NotificationURL string
	SubscriptionTTL time.Duration
	PageSize        int
	Static          fs.FS
	Logger          *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
	router chi.Router
	now    func() time.Time
}

type contextKey struct{}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = 15 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = mailsync.DefaultPageSize
	}
	s := &Server{opts: opts, logger: logger, now: time.Now}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Post("/login", s.handlePasswordLogin)
		r.Get("/callback", s.handleCallback)
		r.Get("/logout", s.handleLogout)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/notifications/listen", s.handleNotificationsListen)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/me", s.handleMe)
			r.Get("/folders", s.handleFolders)
			r.Get("/folders/{folderID}/messages", s.handleFolderMessages)
			r.Post("/folders/{folderID}/next", s.handlePageNext)
			r.Post("/sync", s.handleSync)
			r.Post("/messages/send", s.handleSend)
			r.Post("/messages/{messageID}/reply", s.handleReply)
			r.Post("/messages/{messageID}/move", s.handleMove)
			r.Delete("/messages/{messageID}", s.handleDelete)
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Post("/subscriptions", s.handleCreateSubscription)
			r.Delete("/subscriptions/{subscriptionID}", s.handleDeleteSubscription)
			r.Get("/notifications", s.handleNotifications)
			r.Get("/stream", s.handleStream)
			r.Get("/ws", s.handleWS)
		})
	})

	r.NotFound(s.serveStatic)
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.opts.Sessions.UserID(r, s.now())
		if err != nil {
			s.respondReauthenticate(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}

func (s *Server) mailClient(ctx context.Context) (mailapi.Client, error) {
	return s.opts.Mail.ForUser(ctx, userIDFrom(ctx))
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || s.opts.Static == nil {
		http.NotFound(w, r)
		return
	}

	cleaned := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if cleaned == "" {
		cleaned = "index.html"
	}
	if strings.HasPrefix(cleaned, "assets/") {
		if s.serveEmbeddedFile(w, r, cleaned) {
			return
		}
		http.NotFound(w, r)
		return
	}
	if s.serveEmbeddedFile(w, r, cleaned) {
		return
	}
	if s.serveEmbeddedFile(w, r, "index.html") {
		return
	}
	http.NotFound(w, r)
}

func (s *Server) serveEmbeddedFile(w http.ResponseWriter, r *http.Request, name string) bool {
	file, err := s.opts.Static.Open(name)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	if seeker, ok := file.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), seeker)
		return true
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(data))
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

type errorResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
	Path     string `json:"path,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// respondError maps an error from the mail or storage layers onto a
// response: re-authentication, provider failure or internal error.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if mailapi.IsAuthFailure(err) {
		s.respondReauthenticate(w, r)
		return
	}
	if errors.Is(err, store.ErrFolderNotFound) || errors.Is(err, store.ErrNotFound) {
		s.respondJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Path: r.URL.Path, Message: err.Error()})
		return
	}
	var apiErr *mailapi.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		if apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusBadRequest {
			status = apiErr.StatusCode
		}
		s.logger.Warn("mail provider error", "path", r.URL.Path, "status", apiErr.StatusCode, "code", apiErr.Code)
		s.respondJSON(w, status, errorResponse{Error: "provider_error", Path: r.URL.Path, Code: apiErr.Code, Message: apiErr.Message})
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Path: r.URL.Path})
}

// respondReauthenticate sends browsers back into sign-in and tells API
// callers to do the same.
func (s *Server) respondReauthenticate(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}
	s.respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "reauthenticate", Redirect: "/auth/login"})
}

func (s *Server) respondBadRequest(w http.ResponseWriter, message string) {
	s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
