// Package mailapi describes the remote mailbox a sync runs against. The
// Graph and IMAP providers both implement Client.
package mailapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrAuthRequired means no usable access token exists for the user and the
// caller has to send them back through sign-in.
var ErrAuthRequired = errors.New("authentication required")

type Folder struct {
	ID               string
	DisplayName      string
	ParentFolderID   string
	ChildFolderCount int
	TotalItemCount   int
}

type Message struct {
	ID             string
	ParentFolderID string
	Subject        string
	BodyPreview    string
	IsRead         bool
	CreatedAt      time.Time
	ConversationID string
	ChangeKey      string
	From           string
}

// MessagePage is one page of a folder listing. NextSkip is nil on the last
// page.
type MessagePage struct {
	Messages []Message
	NextSkip *int
}

type Recipient struct {
	Name    string
	Address string
}

type OutgoingMessage struct {
	From      Recipient
	To        []Recipient
	Cc        []Recipient
	Subject   string
	Body      string
	HTML      bool
	InReplyTo string
}

type Profile struct {
	ID          string
	DisplayName string
	Email       string
}

type Client interface {
	ListFolders(ctx context.Context) ([]Folder, error)
	ListChildFolders(ctx context.Context, folderID string) ([]Folder, error)
	ListMessages(ctx context.Context, folderID string, skip, top int) (MessagePage, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) error
	ReplyToMessage(ctx context.Context, messageID, body string) error
	DeleteMessage(ctx context.Context, messageID string) error
	MoveMessage(ctx context.Context, messageID, destinationID string) error
	Me(ctx context.Context) (Profile, error)
}

// Factory builds a Client acting on behalf of one signed-in user.
type Factory interface {
	ForUser(ctx context.Context, userID string) (Client, error)
}

// APIError is a non-success provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mail api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mail api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

var authFailureCodes = map[string]bool{
	"invalidauthenticationtoken": true,
	"authenticationfailure":      true,
	"authenticationrequired":     true,
	"invalid_grant":              true,
}

// IsAuthFailure reports whether err means the user has to authenticate
// again: either no token could be produced or the provider rejected it.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || authFailureCodes[strings.ToLower(apiErr.Code)]
	}
	return false
}
