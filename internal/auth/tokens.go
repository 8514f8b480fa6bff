package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailboxsync/internal/store"
)

// TokenStore persists tokens across restarts. store.DB implements it.
type TokenStore interface {
	SaveToken(ctx context.Context, userID string, token store.Token) error
	LoadToken(ctx context.Context, userID string) (store.Token, error)
	DeleteToken(ctx context.Context, userID string) error
}

// TokenCache keeps per-user OAuth tokens in memory in front of a TokenStore.
// Readers share the lock; a writer reloads the persisted entry and keeps
// whichever token expires later before persisting.
type TokenCache struct {
	mu      sync.RWMutex
	tokens  map[string]*oauth2.Token
	persist TokenStore
}

func NewTokenCache(persist TokenStore) *TokenCache {
	return &TokenCache{tokens: make(map[string]*oauth2.Token), persist: persist}
}

func (c *TokenCache) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	c.mu.RLock()
	tok, ok := c.tokens[userID]
	c.mu.RUnlock()
	if ok {
		return tok, nil
	}
	if c.persist == nil {
		return nil, store.ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[userID]; ok {
		return tok, nil
	}
	stored, err := c.persist.LoadToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	tok = fromStored(stored)
	c.tokens[userID] = tok
	return tok, nil
}

func (c *TokenCache) Put(ctx context.Context, userID string, tok *oauth2.Token) (*oauth2.Token, error) {
	if tok == nil {
		return nil, errors.New("token is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persist != nil {
		stored, err := c.persist.LoadToken(ctx, userID)
		switch {
		case err == nil:
			latest := fromStored(stored)
			if latest.Expiry.After(tok.Expiry) {
				c.tokens[userID] = latest
				return latest, nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("reload token: %w", err)
		}
		if err := c.persist.SaveToken(ctx, userID, toStored(tok)); err != nil {
			return nil, err
		}
	}
	c.tokens[userID] = tok
	return tok, nil
}

func (c *TokenCache) Delete(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, userID)
	if c.persist == nil {
		return nil
	}
	return c.persist.DeleteToken(ctx, userID)
}

func toStored(tok *oauth2.Token) store.Token {
	return store.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

func fromStored(tok store.Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}
