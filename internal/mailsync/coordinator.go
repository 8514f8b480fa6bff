// Package mailsync pulls folders and messages from a mail API into the
// local mirror.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.io/infrasutra/mailboxsync/internal/mailapi"
	"github.io/infrasutra/mailboxsync/internal/store"
)

const (
	DefaultPageSize = 10
	childPrefix     = "-- "
	startupFolder   = "Inbox"
)

var ErrNoMorePages = errors.New("folder has no further pages")

// Notifier receives the number of changes applied from one notification
// batch. Delivery is best effort.
type Notifier interface {
	Notify(count int)
}

type Options struct {
	PageSize int
	Notifier Notifier
	Logger   *slog.Logger
}

type Coordinator struct {
	store    *store.Store
	pageSize int
	notifier Notifier
	logger   *slog.Logger
}

func New(st *store.Store, opts Options) *Coordinator {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{store: st, pageSize: pageSize, notifier: opts.Notifier, logger: logger}
}

type SyncResult struct {
	Folders  int `json:"folders"`
	Created  int `json:"created"`
	Messages int `json:"messages"`
}

// FullSync walks top-level folders and their direct children in API order,
// creating unknown folders with their first page and merging that page
// into known ones.
func (c *Coordinator) FullSync(ctx context.Context, client mailapi.Client) (SyncResult, error) {
	var result SyncResult
	folders, err := client.ListFolders(ctx)
	if err != nil {
		return result, fmt.Errorf("list folders: %w", err)
	}
	for _, folder := range folders {
		if err := c.syncFolder(ctx, client, folder, folder.DisplayName, nil, &result); err != nil {
			return result, err
		}
		if folder.ChildFolderCount <= 0 {
			continue
		}
		children, err := client.ListChildFolders(ctx, folder.ID)
		if err != nil {
			return result, fmt.Errorf("list child folders of %s: %w", folder.ID, err)
		}
		parentID := folder.ID
		for _, child := range children {
			if err := c.syncFolder(ctx, client, child, childPrefix+child.DisplayName, &parentID, &result); err != nil {
				return result, err
			}
		}
	}
	c.logger.Info("full sync finished", "folders", result.Folders, "created", result.Created, "messages", result.Messages)
	return result, nil
}

func (c *Coordinator) syncFolder(ctx context.Context, client mailapi.Client, remote mailapi.Folder, name string, parentID *string, result *SyncResult) error {
	page, err := client.ListMessages(ctx, remote.ID, 0, c.pageSize)
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", remote.ID, err)
	}
	messages := toStored(page.Messages)
	exists, err := c.store.FolderExists(ctx, remote.ID)
	if err != nil {
		return err
	}
	result.Folders++
	result.Messages += len(messages)
	if !exists {
		created, err := c.store.StoreFolder(ctx, store.Folder{
			ID:            remote.ID,
			Name:          name,
			ParentID:      parentID,
			Messages:      messages,
			SkipToken:     page.NextSkip,
			StartupFolder: parentID == nil && strings.EqualFold(remote.DisplayName, startupFolder),
		})
		if err != nil {
			return err
		}
		if created {
			result.Created++
		}
		return nil
	}
	return c.store.StoreMessages(ctx, remote.ID, messages, store.SetCursor(page.NextSkip))
}

// PageNext fetches the page of folderID starting at skip and merges it,
// moving the stored cursor to the page's next offset.
func (c *Coordinator) PageNext(ctx context.Context, client mailapi.Client, folderID string, skip int) (mailapi.MessagePage, error) {
	page, err := client.ListMessages(ctx, folderID, skip, c.pageSize)
	if err != nil {
		return mailapi.MessagePage{}, fmt.Errorf("list messages of %s: %w", folderID, err)
	}
	if err := c.store.StoreMessages(ctx, folderID, toStored(page.Messages), store.SetCursor(page.NextSkip)); err != nil {
		return page, err
	}
	return page, nil
}

// PageNextStored continues from the cursor stored for folderID.
func (c *Coordinator) PageNextStored(ctx context.Context, client mailapi.Client, folderID string) (mailapi.MessagePage, error) {
	folder, err := c.store.GetFolder(ctx, folderID)
	if err != nil {
		return mailapi.MessagePage{}, err
	}
	if folder.SkipToken == nil {
		return mailapi.MessagePage{}, ErrNoMorePages
	}
	return c.PageNext(ctx, client, folderID, *folder.SkipToken)
}

// ApplyChangeNotifications fetches each changed message and merges it into
// its parent folder without touching the folder cursor. The number of
// merged messages is reported to the notifier once per batch. An auth
// failure stops the batch; other failures are collected and returned.
func (c *Coordinator) ApplyChangeNotifications(ctx context.Context, client mailapi.Client, messageIDs []string) (int, error) {
	applied, err := c.applyChanges(ctx, client, messageIDs)
	c.report(applied)
	return applied, err
}

func (c *Coordinator) applyChanges(ctx context.Context, client mailapi.Client, messageIDs []string) (int, error) {
	applied := 0
	var errs []error
	for _, id := range messageIDs {
		if err := c.applyChange(ctx, client, id); err != nil {
			if mailapi.IsAuthFailure(err) {
				return applied, err
			}
			c.logger.Warn("change notification not applied", "message", id, "error", err)
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// ApplyForUser resolves each user's client through factory before applying
// that user's part of a batch. It does not notify; the caller reports the
// batch total once.
func (c *Coordinator) ApplyForUser(factory mailapi.Factory) func(ctx context.Context, userID string, messageIDs []string) (int, error) {
	return func(ctx context.Context, userID string, messageIDs []string) (int, error) {
		client, err := factory.ForUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		return c.applyChanges(ctx, client, messageIDs)
	}
}

func (c *Coordinator) applyChange(ctx context.Context, client mailapi.Client, messageID string) error {
	msg, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message %s: %w", messageID, err)
	}
	if msg.ParentFolderID == "" {
		return fmt.Errorf("message %s has no parent folder", messageID)
	}
	return c.store.StoreMessages(ctx, msg.ParentFolderID, toStored([]mailapi.Message{msg}), store.KeepCursor())
}

func (c *Coordinator) report(count int) {
	if c.notifier == nil || count == 0 {
		return
	}
	c.notifier.Notify(count)
}

func toStored(messages []mailapi.Message) []store.Message {
	out := make([]store.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, store.Message{
			ID:              m.ID,
			Subject:         m.Subject,
			BodyPreview:     m.BodyPreview,
			IsRead:          m.IsRead,
			CreatedDateTime: m.CreatedAt,
			ConversationID:  m.ConversationID,
			ChangeKey:       m.ChangeKey,
		})
	}
	return out
}
