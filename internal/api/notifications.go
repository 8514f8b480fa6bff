package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.io/infrasutra/mailboxsync/internal/graph"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/store"
	"github.io/infrasutra/mailboxsync/internal/webhook"
)

const (
	subscriptionResource   = "me/messages"
	subscriptionChangeType = "created"
	recentNotifications    = 50
)

type subscriptionView struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func toSubscriptionView(sub store.Subscription) subscriptionView {
	return subscriptionView{ID: sub.ID, Resource: sub.Resource, ExpiresAt: sub.ExpiresAt, CreatedAt: sub.CreatedAt}
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.opts.DB.ListSubscriptions(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, toSubscriptionView(sub))
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	if s.opts.Subscriptions == nil {
		s.respondJSON(w, http.StatusNotImplemented, errorResponse{Error: "not_supported", Message: "the mail provider does not push notifications"})
		return
	}
	if s.opts.NotificationURL == "" {
		s.respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_configured", Message: "NOTIFICATION_URL is not set"})
		return
	}
	ctx := r.Context()
	userID := userIDFrom(ctx)
	now := s.now()
	created, err := s.opts.Subscriptions.CreateSubscription(ctx, userID, graph.SubscriptionRequest{
		ChangeType:      subscriptionChangeType,
		NotificationURL: s.opts.NotificationURL,
		Resource:        subscriptionResource,
		ClientState:     uuid.NewString(),
		ExpiresAt:       now.Add(s.opts.SubscriptionTTL),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sub := store.Subscription{
		ID:          created.ID,
		ClientState: created.ClientState,
		UserID:      userID,
		Resource:    created.Resource,
		ExpiresAt:   created.ExpiresAt,
		CreatedAt:   now,
	}
	if sub.Resource == "" {
		sub.Resource = subscriptionResource
	}
	if err := s.opts.DB.SaveSubscription(ctx, sub); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("subscription created", "user", userID, "subscription", sub.ID, "expires", sub.ExpiresAt)
	s.respondJSON(w, http.StatusCreated, toSubscriptionView(sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)
	sub, err := s.opts.DB.GetSubscription(ctx, chi.URLParam(r, "subscriptionID"))
	if err != nil || sub.UserID != userID {
		if err == nil {
			err = store.ErrNotFound
		}
		s.respondError(w, r, err)
		return
	}
	if s.opts.Subscriptions != nil {
		err := s.opts.Subscriptions.DeleteSubscription(ctx, userID, sub.ID)
		var apiErr *mailapi.APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
			s.respondError(w, r, err)
			return
		}
	}
	if _, err := s.opts.DB.DeleteSubscription(ctx, sub.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNotificationsListen is the provider-facing webhook. A
// validationToken is echoed back; otherwise trusted notifications are
// queued, the provider gets 202 at once, and the batch is applied in the
// background.
func (s *Server) handleNotificationsListen(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		s.respondText(w, http.StatusOK, token)
		return
	}
	if s.opts.Receiver == nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respondBadRequest(w, "unreadable body")
		return
	}
	accepted, err := s.opts.Receiver.Receive(r.Context(), body)
	if err != nil {
		s.logger.Warn("notification batch dropped", "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
	if accepted > 0 {
		s.opts.Receiver.ProcessAsync()
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.opts.Receiver == nil {
		s.respondJSON(w, http.StatusOK, []webhook.Notification{})
		return
	}
	limit := recentNotifications
	if val, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && val > 0 && val < limit {
		limit = val
	}
	userID := userIDFrom(r.Context())
	out := []webhook.Notification{}
	for _, n := range s.opts.Receiver.Queue().Recent(0) {
		if n.UserID != userID {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.opts.Hub.ServeSSE(w, r, userIDFrom(r.Context()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.opts.Hub.ServeWS(w, r, userIDFrom(r.Context()), s.logger)
}
