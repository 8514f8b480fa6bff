// Package graph talks to the Microsoft Graph mail endpoints on behalf of a
// signed-in user.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailboxsync/internal/compose"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const messageFields = "id,parentFolderId,subject,bodyPreview,isRead,createdDateTime,conversationId,changeKey,from"

// TokenSource hands out a bearer token for a user. It returns
// mailapi.ErrAuthRequired when the user must sign in again.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// StaticToken serves one fixed bearer token, e.g. right after the code
// exchange when the user id is not known yet.
type StaticToken string

func (t StaticToken) AccessToken(context.Context, string) (string, error) {
	return string(t), nil
}

type Client struct {
	baseURL    string
	userID     string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, userID string, tokens TokenSource, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		userID:     userID,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// Factory builds per-user clients sharing one transport.
type Factory struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
}

func (f *Factory) ForUser(_ context.Context, userID string) (mailapi.Client, error) {
	return f.Client(userID), nil
}

func (f *Factory) Client(userID string) *Client {
	return NewClient(f.BaseURL, userID, f.Tokens, f.HTTPClient)
}

// Profile looks up the owner of a freshly exchanged access token.
func (f *Factory) Profile(ctx context.Context, accessToken string) (mailapi.Profile, error) {
	return NewClient(f.BaseURL, "", StaticToken(accessToken), f.HTTPClient).Me(ctx)
}

func (f *Factory) CreateSubscription(ctx context.Context, userID string, req SubscriptionRequest) (Subscription, error) {
	return f.Client(userID).CreateSubscription(ctx, req)
}

func (f *Factory) DeleteSubscription(ctx context.Context, userID, subscriptionID string) error {
	return f.Client(userID).DeleteSubscription(ctx, subscriptionID)
}

type folderDTO struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
	TotalItemCount   int    `json:"totalItemCount"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type messageDTO struct {
	ID             string    `json:"id"`
	ParentFolderID string    `json:"parentFolderId"`
	Subject        string    `json:"subject"`
	BodyPreview    string    `json:"bodyPreview"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdDateTime"`
	ConversationID string    `json:"conversationId"`
	ChangeKey      string    `json:"changeKey"`
	From           *struct {
		EmailAddress emailAddress `json:"emailAddress"`
	} `json:"from"`
}

func (m messageDTO) message() mailapi.Message {
	out := mailapi.Message{
		ID:             m.ID,
		ParentFolderID: m.ParentFolderID,
		Subject:        m.Subject,
		BodyPreview:    m.BodyPreview,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
		ConversationID: m.ConversationID,
		ChangeKey:      m.ChangeKey,
	}
	if m.From != nil {
		out.From = m.From.EmailAddress.Address
	}
	return out
}

type listResponse[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (c *Client) ListFolders(ctx context.Context) ([]mailapi.Folder, error) {
	return c.listFolders(ctx, "/me/mailFolders?$top=100")
}

func (c *Client) ListChildFolders(ctx context.Context, folderID string) ([]mailapi.Folder, error) {
	return c.listFolders(ctx, fmt.Sprintf("/me/mailFolders/%s/childFolders?$top=100", url.PathEscape(folderID)))
}

// listFolders follows @odata.nextLink until the listing is exhausted.
func (c *Client) listFolders(ctx context.Context, requestPath string) ([]mailapi.Folder, error) {
	folders := []mailapi.Folder{}
	for requestPath != "" {
		var out listResponse[folderDTO]
		if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
			return nil, err
		}
		for _, f := range out.Value {
			folders = append(folders, mailapi.Folder{
				ID:               f.ID,
				DisplayName:      f.DisplayName,
				ParentFolderID:   f.ParentFolderID,
				ChildFolderCount: f.ChildFolderCount,
				TotalItemCount:   f.TotalItemCount,
			})
		}
		next, err := c.relativeLink(out.NextLink)
		if err != nil {
			return nil, err
		}
		requestPath = next
	}
	return folders, nil
}

// relativeLink turns an absolute @odata.nextLink back into a path under the
// client's base URL. Links to any other host are refused so the bearer token
// never leaves it.
func (c *Client) relativeLink(nextLink string) (string, error) {
	nextLink = strings.TrimSpace(nextLink)
	if nextLink == "" {
		return "", nil
	}
	if !strings.HasPrefix(nextLink, c.baseURL+"/") {
		return "", fmt.Errorf("graph: next link %q is outside %s", nextLink, c.baseURL)
	}
	return strings.TrimPrefix(nextLink, c.baseURL), nil
}

// ListMessages returns one page of a folder, newest first. The next skip
// offset comes from the $skip parameter of @odata.nextLink.
func (c *Client) ListMessages(ctx context.Context, folderID string, skip, top int) (mailapi.MessagePage, error) {
	q := url.Values{}
	q.Set("$select", messageFields)
	q.Set("$orderby", "createdDateTime desc")
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	if skip > 0 {
		q.Set("$skip", strconv.Itoa(skip))
	}
	var out listResponse[messageDTO]
	requestPath := fmt.Sprintf("/me/mailFolders/%s/messages?%s", url.PathEscape(folderID), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
		return mailapi.MessagePage{}, err
	}
	page := mailapi.MessagePage{Messages: make([]mailapi.Message, 0, len(out.Value))}
	for _, m := range out.Value {
		page.Messages = append(page.Messages, m.message())
	}
	page.NextSkip = parseNextSkip(out.NextLink)
	return page, nil
}

func parseNextSkip(nextLink string) *int {
	if strings.TrimSpace(nextLink) == "" {
		return nil
	}
	u, err := url.Parse(nextLink)
	if err != nil {
		return nil
	}
	raw := u.Query().Get("$skip")
	if raw == "" {
		return nil
	}
	skip, err := strconv.Atoi(raw)
	if err != nil || skip < 0 {
		return nil
	}
	return &skip
}

func (c *Client) GetMessage(ctx context.Context, messageID string) (mailapi.Message, error) {
	var out messageDTO
	requestPath := fmt.Sprintf("/me/messages/%s?$select=%s", url.PathEscape(messageID), messageFields)
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out); err != nil {
		return mailapi.Message{}, err
	}
	return out.message(), nil
}

// SendMessage posts the message as base64 MIME to /me/sendMail.
func (c *Client) SendMessage(ctx context.Context, msg mailapi.OutgoingMessage) error {
	raw, err := compose.Build(msg)
	if err != nil {
		return fmt.Errorf("build mime: %w", err)
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)
	return c.do(ctx, http.MethodPost, "/me/sendMail", "text/plain", encoded, nil)
}

func (c *Client) ReplyToMessage(ctx context.Context, messageID, body string) error {
	payload := map[string]any{"comment": body}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/me/messages/%s/reply", url.PathEscape(messageID)), payload, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/me/messages/%s", url.PathEscape(messageID)), nil, nil)
}

func (c *Client) MoveMessage(ctx context.Context, messageID, destinationID string) error {
	payload := map[string]any{"destinationId": destinationID}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/me/messages/%s/move", url.PathEscape(messageID)), payload, nil)
}

func (c *Client) Me(ctx context.Context) (mailapi.Profile, error) {
	var out struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/me?$select=id,displayName,mail,userPrincipalName", nil, &out); err != nil {
		return mailapi.Profile{}, err
	}
	email := out.Mail
	if email == "" {
		email = out.UserPrincipalName
	}
	return mailapi.Profile{ID: out.ID, DisplayName: out.DisplayName, Email: email}, nil
}

type SubscriptionRequest struct {
	ChangeType      string
	NotificationURL string
	Resource        string
	ClientState     string
	ExpiresAt       time.Time
}

type Subscription struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	ChangeType  string    `json:"changeType"`
	ClientState string    `json:"clientState"`
	ExpiresAt   time.Time `json:"expirationDateTime"`
}

func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	payload := map[string]any{
		"changeType":         req.ChangeType,
		"notificationUrl":    req.NotificationURL,
		"resource":           req.Resource,
		"expirationDateTime": req.ExpiresAt.UTC().Format(time.RFC3339),
		"clientState":        req.ClientState,
	}
	var out Subscription
	if err := c.doJSON(ctx, http.MethodPost, "/subscriptions", payload, &out); err != nil {
		return Subscription{}, err
	}
	if out.ClientState == "" {
		out.ClientState = req.ClientState
	}
	return out, nil
}

func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionID)), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.do(ctx, method, requestPath, contentType, bodyBytes, out)
}

func (c *Client) do(ctx context.Context, method, requestPath, contentType string, bodyBytes []byte, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.AccessToken(ctx, c.userID)
		if err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("client-request-id", uuid.NewString())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// A POST may have reached the provider before the connection
			// dropped, so only idempotent methods are replayed.
			if idempotent(method) && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		apiErr := decodeError(resp.StatusCode, payload)
		if attempt < c.maxRetries && retryable(method, apiErr, resp.Header.Get("Retry-After")) {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return apiErr
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

// retryable reports whether a failed request may be sent again. Writes are
// only replayed after a throttle that carries Retry-After, since the
// provider rejected them before acting.
func retryable(method string, apiErr *mailapi.APIError, retryAfter string) bool {
	if !apiErr.Retryable() {
		return false
	}
	if idempotent(method) {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests && strings.TrimSpace(retryAfter) != ""
}

func decodeError(status int, payload []byte) *mailapi.APIError {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &body)
	apiErr := &mailapi.APIError{StatusCode: status, Code: body.Error.Code, Message: body.Error.Message}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
