package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailboxsync/internal/auth"
	"github.io/infrasutra/mailboxsync/internal/graph"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/mailsync"
	"github.io/infrasutra/mailboxsync/internal/push"
	"github.io/infrasutra/mailboxsync/internal/store"
	"github.io/infrasutra/mailboxsync/internal/webhook"
)

type fakeMail struct {
	mu       sync.Mutex
	folders  []mailapi.Folder
	pages    map[string]mailapi.MessagePage
	messages map[string]mailapi.Message
	err      error
	sent     []mailapi.OutgoingMessage
	deleted  []string
	moved    map[string]string
}

func (f *fakeMail) ListFolders(context.Context) ([]mailapi.Folder, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.folders, nil
}

func (f *fakeMail) ListChildFolders(context.Context, string) ([]mailapi.Folder, error) {
	return nil, nil
}

func (f *fakeMail) ListMessages(_ context.Context, folderID string, skip, _ int) (mailapi.MessagePage, error) {
	if f.err != nil {
		return mailapi.MessagePage{}, f.err
	}
	if skip > 0 {
		return f.pages[folderID+"+next"], nil
	}
	return f.pages[folderID], nil
}

func (f *fakeMail) GetMessage(_ context.Context, id string) (mailapi.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return mailapi.Message{}, &mailapi.APIError{StatusCode: 404, Code: "ErrorItemNotFound"}
	}
	return msg, nil
}

func (f *fakeMail) SendMessage(_ context.Context, msg mailapi.OutgoingMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMail) ReplyToMessage(context.Context, string, string) error { return f.err }

func (f *fakeMail) DeleteMessage(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMail) MoveMessage(_ context.Context, id, dest string) error {
	if f.err != nil {
		return f.err
	}
	if f.moved == nil {
		f.moved = map[string]string{}
	}
	f.moved[id] = dest
	return nil
}

func (f *fakeMail) Me(context.Context) (mailapi.Profile, error) {
	return mailapi.Profile{ID: "user-1"}, nil
}

func (f *fakeMail) ForUser(context.Context, string) (mailapi.Client, error) {
	return f, nil
}

type fakeOAuth struct {
	remembered map[string]*oauth2.Token
	forgotten  []string
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://login.example.com/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, errors.New("bad code")
	}
	return &oauth2.Token{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeOAuth) Remember(_ context.Context, userID string, tok *oauth2.Token) error {
	if f.remembered == nil {
		f.remembered = map[string]*oauth2.Token{}
	}
	f.remembered[userID] = tok
	return nil
}

func (f *fakeOAuth) Forget(_ context.Context, userID string) error {
	f.forgotten = append(f.forgotten, userID)
	return nil
}

type fakeProfiles struct{}

func (fakeProfiles) Profile(_ context.Context, accessToken string) (mailapi.Profile, error) {
	if accessToken != "access-1" {
		return mailapi.Profile{}, mailapi.ErrAuthRequired
	}
	return mailapi.Profile{ID: "user-1", DisplayName: "Alice", Email: "Alice@Example.com"}, nil
}

type fakeSubscriber struct {
	created []graph.SubscriptionRequest
	deleted []string
}

func (f *fakeSubscriber) CreateSubscription(_ context.Context, _ string, req graph.SubscriptionRequest) (graph.Subscription, error) {
	f.created = append(f.created, req)
	return graph.Subscription{ID: "sub-1", Resource: req.Resource, ClientState: req.ClientState, ExpiresAt: req.ExpiresAt}, nil
}

func (f *fakeSubscriber) DeleteSubscription(_ context.Context, _ string, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type harness struct {
	server   *Server
	store    *store.Store
	db       *store.DB
	sessions *auth.Sessions
	mail     *fakeMail
	oauth    *fakeOAuth
	subs     *fakeSubscriber
	hub      *push.Hub
	receiver *webhook.Receiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	sessions, err := auth.NewSessions("test-secret", time.Hour, false)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mail := &fakeMail{
		folders: []mailapi.Folder{
			{ID: "F2", DisplayName: "Archive"},
			{ID: "F1", DisplayName: "Inbox"},
		},
		pages: map[string]mailapi.MessagePage{
			"F1": {Messages: []mailapi.Message{
				{ID: "M1", ParentFolderID: "F1", Subject: "Hi", CreatedAt: created},
				{ID: "M2", ParentFolderID: "F1", Subject: "Later", CreatedAt: created.Add(time.Hour)},
			}, NextSkip: intPtr(10)},
			"F1+next": {Messages: []mailapi.Message{
				{ID: "M0", ParentFolderID: "F1", Subject: "Old", CreatedAt: created.Add(-time.Hour)},
			}},
		},
		messages: map[string]mailapi.Message{
			"M3": {ID: "M3", ParentFolderID: "F1", Subject: "Pushed", CreatedAt: created.Add(2 * time.Hour)},
		},
	}
	hub := push.NewHub()
	st := store.New(store.NewMemoryBackend(), store.Options{})
	coordinator := mailsync.New(st, mailsync.Options{PageSize: 10, Notifier: hub})
	receiver, err := webhook.NewReceiver(webhook.Options{
		Subscriptions: db,
		Queue:         webhook.NewQueue(16, 16),
		Apply:         coordinator.ApplyForUser(mail),
		Notifier:      hub,
	})
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	h := &harness{
		store:    st,
		db:       db,
		sessions: sessions,
		mail:     mail,
		oauth:    &fakeOAuth{},
		subs:     &fakeSubscriber{},
		hub:      hub,
		receiver: receiver,
	}
	h.server = NewServer(Options{
		Store:           st,
		DB:              db,
		Sessions:        sessions,
		Mail:            mail,
		Sync:            coordinator,
		Hub:             hub,
		Receiver:        receiver,
		OAuth:           h.oauth,
		Profiles:        fakeProfiles{},
		Subscriptions:   h.subs,
		NotificationURL: "https://hooks.example.com/api/notifications/listen",
		PageSize:        10,
		Static:          fstest.MapFS{"index.html": {Data: []byte("<html>mailboxsync</html>")}},
	})
	return h
}

func intPtr(v int) *int {
	return &v
}

func (h *harness) do(t *testing.T, method, target, body string, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if signedIn {
		token, err := h.sessions.Issue("user-1", time.Now())
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req.AddCookie(&http.Cookie{Name: h.sessions.CookieName(), Value: token})
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAPIRequiresSession(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/folders", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Error != "reauthenticate" || body.Redirect != "/auth/login" {
		t.Fatalf("unexpected body %#v", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/folders", nil)
	req.Header.Set("Accept", "text/html")
	browser := httptest.NewRecorder()
	h.server.ServeHTTP(browser, req)
	if browser.Code != http.StatusFound || browser.Header().Get("Location") != "/auth/login" {
		t.Fatalf("expected redirect to sign-in, got %d %q", browser.Code, browser.Header().Get("Location"))
	}
}

func TestSyncThenBrowse(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/sync", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[mailsync.SyncResult](t, rec)
	if result.Folders != 2 || result.Created != 2 || result.Messages != 2 {
		t.Fatalf("unexpected sync result %#v", result)
	}

	folders := decode[[]folderView](t, h.do(t, http.MethodGet, "/api/folders", "", true))
	if len(folders) != 2 || folders[0].ID != "F1" || !folders[0].StartupFolder {
		t.Fatalf("expected Inbox first, got %#v", folders)
	}
	if folders[0].MessageCount != 2 || !folders[0].HasMore || folders[0].UnreadCount != 2 {
		t.Fatalf("unexpected Inbox view %#v", folders[0])
	}

	type messagePage struct {
		Items   []store.Message `json:"items"`
		Total   int             `json:"total"`
		HasNext bool            `json:"hasNext"`
	}
	page := decode[messagePage](t, h.do(t, http.MethodGet, "/api/folders/F1/messages?limit=1", "", true))
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].ID != "M2" || !page.HasNext {
		t.Fatalf("unexpected page %#v", page)
	}

	if rec := h.do(t, http.MethodGet, "/api/folders/missing/messages", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown folder, got %d", rec.Code)
	}
}

func TestPageNext(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/sync", "", true)

	resp := decode[pageResponse](t, h.do(t, http.MethodPost, "/api/folders/F1/next", "", true))
	if resp.Fetched != 1 || !resp.Done || resp.NextSkip != nil {
		t.Fatalf("unexpected next page %#v", resp)
	}
	folder, err := h.store.GetFolder(context.Background(), "F1")
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if len(folder.Messages) != 3 || folder.SkipToken != nil {
		t.Fatalf("unexpected folder %#v", folder)
	}

	again := decode[pageResponse](t, h.do(t, http.MethodPost, "/api/folders/F1/next", "", true))
	if !again.Done || again.Fetched != 0 {
		t.Fatalf("expected no more pages, got %#v", again)
	}
}

func TestAuthFailureAsksToReauthenticate(t *testing.T) {
	h := newHarness(t)
	h.mail.err = mailapi.ErrAuthRequired
	rec := h.do(t, http.MethodPost, "/api/sync", "", true)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Error != "reauthenticate" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestProviderErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.mail.err = &mailapi.APIError{StatusCode: 503, Code: "ServiceUnavailable", Message: "try later"}
	rec := h.do(t, http.MethodPost, "/api/messages/send", `{"to":["bob@example.com"],"subject":"x","body":"y"}`, true)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Code != "ServiceUnavailable" || body.Path != "/api/messages/send" || body.Message != "try later" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/messages/send", `{"to":["Bob@Example.com","bob@example.com"],"subject":"hi\r\nBcc: x","body":"hello"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	if len(h.mail.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(h.mail.sent))
	}
	sent := h.mail.sent[0]
	if len(sent.To) != 1 || sent.To[0].Address != "bob@example.com" || strings.Contains(sent.Subject, "\n") {
		t.Fatalf("unexpected message %#v", sent)
	}
	if rec := h.do(t, http.MethodPost, "/api/messages/send", `{"to":[],"body":"x"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without recipients, got %d", rec.Code)
	}
}

func TestDeleteAndMoveForgetMirroredMessage(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/sync", "", true)

	if rec := h.do(t, http.MethodDelete, "/api/messages/M1", "", true); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/messages/M2/move", `{"destinationId":"F2"}`, true); rec.Code != http.StatusNoContent {
		t.Fatalf("move: %d", rec.Code)
	}
	if h.mail.moved["M2"] != "F2" || len(h.mail.deleted) != 1 {
		t.Fatalf("unexpected provider calls %v %v", h.mail.moved, h.mail.deleted)
	}
	folder, _ := h.store.GetFolder(context.Background(), "F1")
	if len(folder.Messages) != 0 {
		t.Fatalf("expected mirrored messages removed, got %#v", folder.Messages)
	}
	if rec := h.do(t, http.MethodPost, "/api/messages/M2/move", `{}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without destination, got %d", rec.Code)
	}
}

func TestOAuthSignIn(t *testing.T) {
	h := newHarness(t)
	login := h.do(t, http.MethodGet, "/auth/login", "", false)
	if login.Code != http.StatusFound {
		t.Fatalf("login: %d", login.Code)
	}
	location, err := url.Parse(login.Header().Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in %q", location)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=good-code&state="+url.QueryEscape(state), nil)
	for _, c := range login.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body.String())
	}
	if h.oauth.remembered["user-1"] == nil {
		t.Fatalf("expected token remembered")
	}
	user, err := h.db.GetUser(context.Background(), "user-1")
	if err != nil || user.Email != "alice@example.com" {
		t.Fatalf("unexpected user %#v %v", user, err)
	}
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == h.sessions.CookieName() {
			session = c
		}
	}
	if session == nil || session.Value == "" {
		t.Fatalf("expected session cookie")
	}

	me := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	me.AddCookie(session)
	meRec := httptest.NewRecorder()
	h.server.ServeHTTP(meRec, me)
	if got := decode[meResponse](t, meRec); got.DisplayName != "Alice" {
		t.Fatalf("unexpected me %#v", got)
	}
}

func TestOAuthCallbackRejectsForgedState(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/auth/callback?code=good-code&state=forged", "", false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(h.oauth.remembered) != 0 {
		t.Fatalf("expected no token stored")
	}
}

func TestLogoutForgetsToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/auth/logout", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
	if len(h.oauth.forgotten) != 1 || h.oauth.forgotten[0] != "user-1" {
		t.Fatalf("unexpected forgotten %v", h.oauth.forgotten)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/subscriptions", "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if len(h.subs.created) != 1 || h.subs.created[0].ClientState == "" || h.subs.created[0].Resource != "me/messages" {
		t.Fatalf("unexpected request %#v", h.subs.created)
	}
	stored, err := h.db.GetSubscription(context.Background(), "sub-1")
	if err != nil || stored.UserID != "user-1" || stored.ClientState != h.subs.created[0].ClientState {
		t.Fatalf("unexpected stored subscription %#v %v", stored, err)
	}

	list := decode[[]subscriptionView](t, h.do(t, http.MethodGet, "/api/subscriptions", "", true))
	if len(list) != 1 || list[0].ID != "sub-1" {
		t.Fatalf("unexpected list %#v", list)
	}

	if rec := h.do(t, http.MethodDelete, "/api/subscriptions/sub-1", "", true); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if _, err := h.db.GetSubscription(context.Background(), "sub-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected subscription gone, got %v", err)
	}
	if rec := h.do(t, http.MethodDelete, "/api/subscriptions/sub-1", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestNotificationValidationToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/notifications/listen?validationToken=abc%20123", "", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "abc 123" {
		t.Fatalf("unexpected validation response %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestNotificationAppliesChange(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/sync", "", true)
	ctx := context.Background()
	if err := h.db.SaveSubscription(ctx, store.Subscription{
		ID: "sub-9", ClientState: "secret", UserID: "user-1", Resource: "me/messages",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save subscription: %v", err)
	}
	events, unsubscribe := h.hub.Subscribe("user-1")
	defer unsubscribe()

	body := `{"value":[
		{"subscriptionId":"sub-9","clientState":"secret","changeType":"created","resource":"Users/u/Messages/M3","resourceData":{"id":"M3"}},
		{"subscriptionId":"sub-9","clientState":"wrong","changeType":"created","resource":"Users/u/Messages/M4","resourceData":{"id":"M4"}}
	]}`
	rec := h.do(t, http.MethodPost, "/api/notifications/listen", body, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("listen: %d", rec.Code)
	}
	h.receiver.Wait()

	folder, err := h.store.GetFolder(ctx, "F1")
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if len(folder.Messages) != 3 || folder.Messages[0].ID != "M3" {
		t.Fatalf("expected M3 merged first, got %#v", folder.Messages)
	}
	select {
	case ev := <-events:
		if ev.Type != push.EventNotification || ev.Count != 1 {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected notification event")
	}

	recent := decode[[]webhook.Notification](t, h.do(t, http.MethodGet, "/api/notifications", "", true))
	if len(recent) != 1 || recent[0].MessageID() != "M3" {
		t.Fatalf("unexpected recent notifications %#v", recent)
	}
}

func TestMalformedNotificationIsAccepted(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/notifications/listen", `{"nope":true}`, false)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if h.receiver.Queue().Len() != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestStaticFallsBackToIndex(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/folders/F1", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mailboxsync") {
		t.Fatalf("unexpected static response %d %q", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodGet, "/api/unknown", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown api route, got %d", rec.Code)
	}
}
