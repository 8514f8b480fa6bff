package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultDocumentName = "mailbox"

// DB holds users, webhook subscriptions, cached OAuth tokens and optionally
// the mirror document. It speaks both sqlite and postgres; queries are
// written with ? placeholders and rebound per driver.
type DB struct {
	db *sqlx.DB
}

func Open(ctx context.Context, dsn string) (*DB, error) {
	driver, source, inMemory := parseDSN(dsn)
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if !inMemory {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("enable WAL: %w", err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{db: db}, nil
}

func parseDSN(dsn string) (driver, source string, inMemory bool) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres", trimmed, false
	}
	trimmed = strings.TrimPrefix(trimmed, "sqlite://")
	if trimmed == "" {
		trimmed = ":memory:"
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	return "sqlite", trimmed, inMemory
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL,
            display_name TEXT NOT NULL,
            created_at BIGINT NOT NULL,
            last_login BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
            id TEXT PRIMARY KEY,
            client_state TEXT NOT NULL,
            user_id TEXT NOT NULL,
            tenant_id TEXT NOT NULL,
            resource TEXT NOT NULL,
            expires_at BIGINT NOT NULL,
            created_at BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tokens (
            user_id TEXT PRIMARY KEY,
            access_token TEXT NOT NULL,
            refresh_token TEXT NOT NULL,
            token_type TEXT NOT NULL,
            expiry BIGINT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS documents (
            name TEXT PRIMARY KEY,
            version BIGINT NOT NULL,
            body TEXT NOT NULL,
            updated_at BIGINT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_expires ON subscriptions(expires_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *DB) UpsertUser(ctx context.Context, user User, now time.Time) error {
	query := s.db.Rebind(`INSERT INTO users (id, email, display_name, created_at, last_login)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name, last_login = excluded.last_login;`)
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Email, user.DisplayName, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

type userRow struct {
	ID          string `db:"id"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
	CreatedAt   int64  `db:"created_at"`
	LastLogin   int64  `db:"last_login"`
}

func (s *DB) GetUser(ctx context.Context, id string) (User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, email, display_name, created_at, last_login FROM users WHERE id = ?;`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return User{
		ID:          row.ID,
		Email:       row.Email,
		DisplayName: row.DisplayName,
		CreatedAt:   time.Unix(row.CreatedAt, 0),
		LastLogin:   time.Unix(row.LastLogin, 0),
	}, nil
}

type subscriptionRow struct {
	ID          string `db:"id"`
	ClientState string `db:"client_state"`
	UserID      string `db:"user_id"`
	TenantID    string `db:"tenant_id"`
	Resource    string `db:"resource"`
	ExpiresAt   int64  `db:"expires_at"`
	CreatedAt   int64  `db:"created_at"`
}

func (r subscriptionRow) subscription() Subscription {
	return Subscription{
		ID:          r.ID,
		ClientState: r.ClientState,
		UserID:      r.UserID,
		TenantID:    r.TenantID,
		Resource:    r.Resource,
		ExpiresAt:   time.Unix(r.ExpiresAt, 0),
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
}

func (s *DB) SaveSubscription(ctx context.Context, sub Subscription) error {
	query := s.db.Rebind(`INSERT INTO subscriptions (id, client_state, user_id, tenant_id, resource, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET client_state = excluded.client_state, expires_at = excluded.expires_at;`)
	_, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.ClientState,
		sub.UserID,
		sub.TenantID,
		sub.Resource,
		sub.ExpiresAt.Unix(),
		sub.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (s *DB) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, client_state, user_id, tenant_id, resource, expires_at, created_at
        FROM subscriptions WHERE id = ?;`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return row.subscription(), nil
}

func (s *DB) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, client_state, user_id, tenant_id, resource, expires_at, created_at
        FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC, id;`), userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	subs := make([]Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, row.subscription())
	}
	return subs, nil
}

func (s *DB) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM subscriptions WHERE id = ?;`), id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return rows > 0, nil
}

func (s *DB) DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM subscriptions WHERE expires_at <= ?;`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired subscriptions: %w", err)
	}
	return result.RowsAffected()
}

type tokenRow struct {
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenType    string `db:"token_type"`
	Expiry       int64  `db:"expiry"`
}

func (s *DB) SaveToken(ctx context.Context, userID string, token Token) error {
	query := s.db.Rebind(`INSERT INTO tokens (user_id, access_token, refresh_token, token_type, expiry)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET access_token = excluded.access_token,
            refresh_token = excluded.refresh_token, token_type = excluded.token_type, expiry = excluded.expiry;`)
	var expiry int64
	if !token.Expiry.IsZero() {
		expiry = token.Expiry.Unix()
	}
	_, err := s.db.ExecContext(ctx, query, userID, token.AccessToken, token.RefreshToken, token.TokenType, expiry)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *DB) LoadToken(ctx context.Context, userID string) (Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT access_token, refresh_token, token_type, expiry FROM tokens WHERE user_id = ?;`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("load token: %w", err)
	}
	token := Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
	}
	if row.Expiry > 0 {
		token.Expiry = time.Unix(row.Expiry, 0)
	}
	return token, nil
}

func (s *DB) DeleteToken(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tokens WHERE user_id = ?;`), userID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SQLDocumentBackend keeps the mirror document as one row and saves it with
// compare-and-swap on the row version.
type SQLDocumentBackend struct {
	db   *DB
	name string
}

func NewSQLDocumentBackend(db *DB, name string) *SQLDocumentBackend {
	if strings.TrimSpace(name) == "" {
		name = defaultDocumentName
	}
	return &SQLDocumentBackend{db: db, name: name}
}

func (b *SQLDocumentBackend) Load(ctx context.Context) (*Document, error) {
	var row struct {
		Version int64  `db:"version"`
		Body    string `db:"body"`
	}
	err := b.db.db.GetContext(ctx, &row, b.db.db.Rebind(`SELECT version, body FROM documents WHERE name = ?;`), b.name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StorageError{Kind: KindRead, Op: "load document", Err: err}
	}
	var doc Document
	if err := json.Unmarshal([]byte(row.Body), &doc); err != nil {
		return nil, &StorageError{Kind: KindCorrupt, Op: "load document", Err: err}
	}
	doc.Version = row.Version
	return &doc, nil
}

func (b *SQLDocumentBackend) Save(ctx context.Context, doc *Document) error {
	if doc == nil {
		return nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	var result sql.Result
	if doc.Version == 0 {
		result, err = b.db.db.ExecContext(ctx, b.db.db.Rebind(`INSERT INTO documents (name, version, body, updated_at)
            VALUES (?, 1, ?, ?) ON CONFLICT(name) DO NOTHING;`), b.name, string(body), now)
	} else {
		result, err = b.db.db.ExecContext(ctx, b.db.db.Rebind(`UPDATE documents SET version = version + 1, body = ?, updated_at = ?
            WHERE name = ? AND version = ?;`), string(body), now, b.name, doc.Version)
	}
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	doc.Version++
	return nil
}

func (b *SQLDocumentBackend) Close() error {
	return b.db.Close()
}
