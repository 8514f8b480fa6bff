package api

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/mailsync"
	"github.io/infrasutra/mailboxsync/internal/pagination"
	"github.io/infrasutra/mailboxsync/internal/push"
	"github.io/infrasutra/mailboxsync/internal/store"
)

type folderView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ParentID      *string `json:"parentId"`
	MessageCount  int     `json:"messageCount"`
	UnreadCount   int     `json:"unreadCount"`
	HasMore       bool    `json:"hasMore"`
	StartupFolder bool    `json:"startupFolder"`
}

func toFolderView(f store.Folder) folderView {
	view := folderView{
		ID:            f.ID,
		Name:          f.Name,
		ParentID:      f.ParentID,
		MessageCount:  len(f.Messages),
		HasMore:       f.SkipToken != nil,
		StartupFolder: f.StartupFolder,
	}
	for _, m := range f.Messages {
		if !m.IsRead {
			view.UnreadCount++
		}
	}
	return view
}

// handleFolders lists the mirror. An unreadable document is logged and
// shown as empty.
func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.opts.Store.GetFolders(r.Context())
	if err != nil {
		s.logger.Warn("read mirrored folders", "error", err)
	}
	views := make([]folderView, 0, len(folders))
	for _, f := range folders {
		views = append(views, toFolderView(f))
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].StartupFolder && !views[j].StartupFolder
	})
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleFolderMessages(w http.ResponseWriter, r *http.Request) {
	folder, err := s.opts.Store.GetFolder(r.Context(), chi.URLParam(r, "folderID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	params := pagination.FromQuery(r.URL.Query(), pagination.WithDefaultLimit(s.opts.PageSize))
	s.respondJSON(w, http.StatusOK, pagination.Apply(folder.Messages, params))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	result, err := s.opts.Sync.FullSync(r.Context(), client)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.opts.Hub.Publish([]string{userIDFrom(r.Context())}, push.Event{Type: push.EventSync, Count: result.Messages})
	s.respondJSON(w, http.StatusOK, result)
}

type pageResponse struct {
	Folder   string `json:"folder"`
	Fetched  int    `json:"fetched"`
	NextSkip *int   `json:"nextSkip"`
	Done     bool   `json:"done"`
}

func (s *Server) handlePageNext(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "folderID")
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	page, err := s.opts.Sync.PageNextStored(r.Context(), client, folderID)
	if errors.Is(err, mailsync.ErrNoMorePages) {
		s.respondJSON(w, http.StatusOK, pageResponse{Folder: folderID, Done: true})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.opts.Hub.Publish([]string{userIDFrom(r.Context())}, push.Event{Type: push.EventSync, Folder: folderID, Count: len(page.Messages)})
	s.respondJSON(w, http.StatusOK, pageResponse{
		Folder:   folderID,
		Fetched:  len(page.Messages),
		NextSkip: page.NextSkip,
		Done:     page.NextSkip == nil,
	})
}

type sendRequest struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondBadRequest(w, "invalid JSON")
		return
	}
	msg := mailapi.OutgoingMessage{
		To:      toRecipients(req.To),
		Cc:      toRecipients(req.Cc),
		Subject: sanitizeHeader(req.Subject),
		Body:    req.Body,
		HTML:    req.HTML,
	}
	if len(msg.To) == 0 {
		s.respondBadRequest(w, "at least one recipient is required")
		return
	}
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := client.SendMessage(r.Context(), msg); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondBadRequest(w, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		s.respondBadRequest(w, "reply body is required")
		return
	}
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := client.ReplyToMessage(r.Context(), chi.URLParam(r, "messageID"), req.Body); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := client.DeleteMessage(r.Context(), messageID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.forget(r, messageID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DestinationID string `json:"destinationId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondBadRequest(w, "invalid JSON")
		return
	}
	if req.DestinationID == "" {
		s.respondBadRequest(w, "destinationId is required")
		return
	}
	messageID := chi.URLParam(r, "messageID")
	client, err := s.mailClient(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := client.MoveMessage(r.Context(), messageID, req.DestinationID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.forget(r, messageID)
	w.WriteHeader(http.StatusNoContent)
}

// forget drops a message that left its folder through this app. The next
// sync of the destination folder mirrors it again.
func (s *Server) forget(r *http.Request, messageID string) {
	removed, err := s.opts.Store.RemoveMessage(r.Context(), messageID)
	if err != nil {
		s.logger.Warn("remove mirrored message", "message", messageID, "error", err)
		return
	}
	if removed {
		s.opts.Hub.Publish([]string{userIDFrom(r.Context())}, push.Event{Type: push.EventDocument})
	}
}

func toRecipients(addresses []string) []mailapi.Recipient {
	seen := map[string]struct{}{}
	out := []mailapi.Recipient{}
	for _, addr := range addresses {
		trimmed := strings.ToLower(sanitizeHeader(addr))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, mailapi.Recipient{Address: trimmed})
	}
	return out
}

func sanitizeHeader(value string) string {
	cleaned := strings.ReplaceAll(value, "\r", "")
	cleaned = strings.ReplaceAll(cleaned, "\n", "")
	return strings.TrimSpace(cleaned)
}
