package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

const maxConflictRetries = 3

// MergePolicy decides which copy survives when an incoming message shares
// an id with a stored one.
type MergePolicy string

const (
	FirstWins MergePolicy = "first-wins"
	LastWins  MergePolicy = "last-wins"
)

func ParseMergePolicy(raw string) (MergePolicy, error) {
	switch MergePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FirstWins:
		return FirstWins, nil
	case LastWins:
		return LastWins, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", raw)
	}
}

// CursorUpdate says what a merge does to the folder's stored skip token.
type CursorUpdate struct {
	set  bool
	skip *int
}

// KeepCursor leaves the stored skip token untouched.
func KeepCursor() CursorUpdate {
	return CursorUpdate{}
}

// SetCursor replaces the stored skip token; nil marks the last page.
func SetCursor(skip *int) CursorUpdate {
	if skip != nil {
		v := *skip
		skip = &v
	}
	return CursorUpdate{set: true, skip: skip}
}

type Options struct {
	Policy MergePolicy
	Logger *slog.Logger
}

// Store is the folder/message mirror. Every mutation is a full
// read-modify-write of the document, serialized by a single writer lock.
type Store struct {
	backend DocumentBackend
	policy  MergePolicy
	logger  *slog.Logger
	mu      sync.Mutex
}

func New(backend DocumentBackend, opts Options) *Store {
	policy := opts.Policy
	if policy == "" {
		policy = FirstWins
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{backend: backend, policy: policy, logger: logger}
}

func (s *Store) Policy() MergePolicy {
	return s.policy
}

// GetFolders returns every stored folder. A missing document is an empty
// mirror; an unreadable one also yields an empty slice, together with the
// StorageError describing why.
func (s *Store) GetFolders(ctx context.Context) ([]Folder, error) {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return []Folder{}, wrapStorage("get folders", KindRead, err)
	}
	if doc == nil {
		return []Folder{}, nil
	}
	folders := make([]Folder, 0, len(doc.Folders))
	for _, folder := range doc.Folders {
		folder.Messages = sortNewestFirst(append([]Message(nil), folder.Messages...))
		folders = append(folders, folder)
	}
	return folders, nil
}

func (s *Store) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	folders, err := s.GetFolders(ctx)
	if err != nil {
		return Folder{}, err
	}
	for _, folder := range folders {
		if folder.ID == folderID {
			return folder, nil
		}
	}
	return Folder{}, &StorageError{Kind: KindNotFound, Op: "get folder", Err: ErrFolderNotFound}
}

// FolderExists is false for an empty id and whenever the document cannot
// be read.
func (s *Store) FolderExists(ctx context.Context, folderID string) (bool, error) {
	if folderID == "" {
		return false, nil
	}
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return false, wrapStorage("folder exists", KindRead, err)
	}
	if doc == nil {
		return false, nil
	}
	return indexOfFolder(doc, folderID) >= 0, nil
}

// StoreFolder appends folder when no folder with its id is stored and
// reports whether it did. An existing entry is left untouched.
func (s *Store) StoreFolder(ctx context.Context, folder Folder) (bool, error) {
	if strings.TrimSpace(folder.ID) == "" {
		return false, &StorageError{Kind: KindWrite, Op: "store folder", Err: errors.New("folder id is required")}
	}
	created := false
	err := s.update(ctx, "store folder", func(doc *Document) (bool, error) {
		if indexOfFolder(doc, folder.ID) >= 0 {
			return false, nil
		}
		folder.Messages = s.merge(nil, folder.Messages)
		doc.Folders = append(doc.Folders, folder)
		created = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Debug("stored folder", "folder", folder.ID, "messages", len(folder.Messages))
	}
	return created, nil
}

// StoreMessages merges messages into the folder with folderID, deduplicating
// by message id under the store's merge policy, and applies cursor. A
// missing folder leaves the document unchanged and yields ErrFolderNotFound.
func (s *Store) StoreMessages(ctx context.Context, folderID string, messages []Message, cursor CursorUpdate) error {
	err := s.update(ctx, "store messages", func(doc *Document) (bool, error) {
		idx := indexOfFolder(doc, folderID)
		if idx < 0 {
			return false, &StorageError{Kind: KindNotFound, Op: "store messages", Err: ErrFolderNotFound}
		}
		folder := &doc.Folders[idx]
		folder.Messages = s.merge(folder.Messages, messages)
		if cursor.set {
			folder.SkipToken = cursor.skip
		}
		return true, nil
	})
	if IsKind(err, KindNotFound) {
		s.logger.Warn("store messages skipped", "folder", folderID, "error", err)
	}
	return err
}

// RemoveMessage drops a message from whichever folder holds it and reports
// whether anything was removed.
func (s *Store) RemoveMessage(ctx context.Context, messageID string) (bool, error) {
	removed := false
	err := s.update(ctx, "remove message", func(doc *Document) (bool, error) {
		for i := range doc.Folders {
			kept := doc.Folders[i].Messages[:0]
			for _, msg := range doc.Folders[i].Messages {
				if msg.ID == messageID {
					removed = true
					continue
				}
				kept = append(kept, msg)
			}
			doc.Folders[i].Messages = kept
		}
		return removed, nil
	})
	return removed, err
}

func (s *Store) update(ctx context.Context, op string, mutate func(doc *Document) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 0; ; attempt++ {
		doc, err := s.backend.Load(ctx)
		if err != nil {
			return wrapStorage(op, KindRead, err)
		}
		if doc == nil {
			doc = &Document{}
		}
		changed, err := mutate(doc)
		if err != nil || !changed {
			return err
		}
		err = s.backend.Save(ctx, doc)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxConflictRetries {
			s.logger.Debug("document version conflict, retrying", "op", op, "attempt", attempt+1)
			continue
		}
		return wrapStorage(op, KindWrite, err)
	}
}

// merge concatenates existing and incoming, keeps one message per id and
// orders the result newest first.
func (s *Store) merge(existing, incoming []Message) []Message {
	merged := make([]Message, 0, len(existing)+len(incoming))
	positions := make(map[string]int, len(existing)+len(incoming))
	for _, msg := range append(append([]Message(nil), existing...), incoming...) {
		if pos, ok := positions[msg.ID]; ok {
			if s.policy == LastWins {
				merged[pos] = msg
			}
			continue
		}
		positions[msg.ID] = len(merged)
		merged = append(merged, msg)
	}
	return sortNewestFirst(merged)
}

func sortNewestFirst(messages []Message) []Message {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedDateTime.After(messages[j].CreatedDateTime)
	})
	return messages
}

func indexOfFolder(doc *Document, folderID string) int {
	for i, folder := range doc.Folders {
		if folder.ID == folderID {
			return i
		}
	}
	return -1
}
