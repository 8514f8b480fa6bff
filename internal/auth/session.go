package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	cookieName      = "mailboxsync_session"
	stateCookieName = "mailboxsync_oauth_state"
)

var (
	ErrNoSession      = errors.New("missing session token")
	ErrInvalidSession = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session expired")
)

// Sessions issues and verifies HMAC-signed cookies carrying the signed-in
// user's id.
type Sessions struct {
	secret []byte
	maxAge time.Duration
	secure bool
}

func NewSessions(secret string, maxAge time.Duration, secure bool) (*Sessions, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), maxAge: maxAge, secure: secure}, nil
}

func (m *Sessions) CookieName() string {
	return cookieName
}

func (m *Sessions) Issue(userID string, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, "|") {
		return "", errors.New("user id is required")
	}
	payload := userID + "|" + strconv.FormatInt(now.Unix(), 10)
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Parse returns the user id carried by a session token.
func (m *Sessions) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrNoSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidSession
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrInvalidSession
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", ErrInvalidSession
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidSession
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return "", ErrSessionExpired
	}
	return parts[0], nil
}

func (m *Sessions) SetCookie(w http.ResponseWriter, userID string, now time.Time) error {
	token, err := m.Issue(userID, now)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  now.Add(m.maxAge),
		MaxAge:   int(m.maxAge.Seconds()),
	})
	return nil
}

func (m *Sessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// UserID reads and verifies the session cookie of r.
func (m *Sessions) UserID(r *http.Request, now time.Time) (string, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return "", ErrNoSession
	}
	return m.Parse(cookie.Value, now)
}

func (m *Sessions) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Sessions) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SetState stores the OAuth state for the pending login. It lives ten
// minutes.
func (m *Sessions) SetState(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state + "." + m.sign(state),
		Path:     "/auth",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
}

// ConsumeState reports whether state matches the pending login and clears
// the cookie either way.
func (m *Sessions) ConsumeState(w http.ResponseWriter, r *http.Request, state string) bool {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/auth",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || state == "" {
		return false
	}
	stored, signature, ok := strings.Cut(cookie.Value, ".")
	if !ok || !m.verify(stored, signature) {
		return false
	}
	return hmac.Equal([]byte(stored), []byte(state))
}
