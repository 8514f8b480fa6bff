package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/store"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		// Password sign-in is a form in the UI.
		http.Redirect(w, r, "/?login=password", http.StatusFound)
		return
	}
	state := uuid.NewString()
	s.opts.Sessions.SetState(w, state)
	http.Redirect(w, r, s.opts.OAuth.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil || s.opts.Profiles == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		s.logger.Warn("sign-in rejected by provider", "error", errCode, "description", q.Get("error_description"))
		s.respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "sign_in_failed", Code: errCode, Message: q.Get("error_description")})
		return
	}
	if !s.opts.Sessions.ConsumeState(w, r, q.Get("state")) {
		s.respondBadRequest(w, "invalid sign-in state")
		return
	}
	ctx := r.Context()
	tok, err := s.opts.OAuth.Exchange(ctx, q.Get("code"))
	if err != nil {
		s.logger.Warn("code exchange failed", "error", err)
		s.respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "sign_in_failed", Message: "code exchange failed"})
		return
	}
	profile, err := s.opts.Profiles.Profile(ctx, tok.AccessToken)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.opts.OAuth.Remember(ctx, profile.ID, tok); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.startSession(w, r, profile); err != nil {
		s.respondError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Passwords == nil {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		s.respondBadRequest(w, "invalid JSON")
		return
	}
	profile, err := s.opts.Passwords.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		if mailapi.IsAuthFailure(err) {
			s.respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials"})
			return
		}
		s.respondError(w, r, err)
		return
	}
	if err := s.startSession(w, r, profile); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, profileView(profile))
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, profile mailapi.Profile) error {
	now := s.now()
	user := store.User{ID: profile.ID, Email: strings.ToLower(profile.Email), DisplayName: profile.DisplayName}
	if err := s.opts.DB.UpsertUser(r.Context(), user, now); err != nil {
		return err
	}
	s.logger.Info("user signed in", "user", profile.ID)
	return s.opts.Sessions.SetCookie(w, profile.ID, now)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if userID, err := s.opts.Sessions.UserID(r, s.now()); err == nil && s.opts.OAuth != nil {
		if err := s.opts.OAuth.Forget(r.Context(), userID); err != nil {
			s.logger.Warn("forget token", "user", userID, "error", err)
		}
	}
	s.opts.Sessions.ClearCookie(w)
	if r.Method == http.MethodGet {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func profileView(p mailapi.Profile) meResponse {
	return meResponse{ID: p.ID, Email: p.Email, DisplayName: p.DisplayName}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.opts.DB.GetUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondReauthenticate(w, r)
			return
		}
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, meResponse{ID: user.ID, Email: user.Email, DisplayName: user.DisplayName})
}
