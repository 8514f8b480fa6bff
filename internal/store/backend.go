package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DocumentBackend loads and saves the whole mirror document. Load returns
// (nil, nil) when no document has been written yet.
type DocumentBackend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(_ context.Context) (*Document, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Kind: KindRead, Op: "load document", Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &StorageError{Kind: KindCorrupt, Op: "load document", Err: err}
	}
	return &doc, nil
}

func (b *JSONFileBackend) Save(_ context.Context, doc *Document) error {
	if b == nil || b.Path == "" || doc == nil {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type MemoryBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(_ context.Context) (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(b.snapshot, &doc); err != nil {
		return nil, &StorageError{Kind: KindCorrupt, Op: "load document", Err: err}
	}
	return &doc, nil
}

func (b *MemoryBackend) Save(_ context.Context, doc *Document) error {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = data
	b.mu.Unlock()
	return nil
}

// BuildDocumentBackend selects a backend from a DSN: file://path (or a bare
// path), memory://, sqlite://path, postgres://...
func BuildDocumentBackend(ctx context.Context, dsn string) (DocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewJSONFileBackend("mail.json"), nil
	}
	scheme, rest := "", dsn
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		scheme, rest = strings.ToLower(dsn[:idx]), dsn[idx+3:]
	}
	switch scheme {
	case "", "file":
		path := strings.TrimSpace(rest)
		if path == "" {
			return nil, fmt.Errorf("document dsn %q has no path", dsn)
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem":
		return NewMemoryBackend(), nil
	case "sqlite", "postgres", "postgresql":
		db, err := Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewSQLDocumentBackend(db, defaultDocumentName), nil
	default:
		return nil, fmt.Errorf("unsupported document backend scheme: %s", scheme)
	}
}
