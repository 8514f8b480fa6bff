package store

import "time"

// Message is a mirrored mail item. JSON names follow the provider's
// camelCase message fields.
type Message struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"`
	BodyPreview     string    `json:"bodyPreview"`
	IsRead          bool      `json:"isRead"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	ConversationID  string    `json:"conversationId"`
	ChangeKey       string    `json:"changeKey"`
}

// Folder is a mirrored mail container together with its fetched messages
// and the skip offset of the next page, if any.
type Folder struct {
	ID            string    `json:"Id"`
	Name          string    `json:"Name"`
	ParentID      *string   `json:"ParentId"`
	Messages      []Message `json:"MessageItems"`
	SkipToken     *int      `json:"SkipToken"`
	StartupFolder bool      `json:"StartupFolder"`
}

// Document is the persisted aggregate. Version is owned by versioned
// backends and never serialized into the document body.
type Document struct {
	Folders []Folder `json:"folders"`
	Version int64    `json:"-"`
}

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	LastLogin   time.Time
}

// Subscription records a webhook subscription so inbound notifications can
// be matched to a user and checked against their client state.
type Subscription struct {
	ID          string
	ClientState string
	UserID      string
	TenantID    string
	Resource    string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}
