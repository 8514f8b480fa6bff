package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func msg(id, subject string, created string) Message {
	ts, err := time.Parse(time.RFC3339, created)
	if err != nil {
		panic(err)
	}
	return Message{ID: id, Subject: subject, BodyPreview: subject, CreatedDateTime: ts}
}

func intPtr(v int) *int {
	return &v
}

func newFileStore(t *testing.T, policy MergePolicy) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.json")
	return New(NewJSONFileBackend(path), Options{Policy: policy}), path
}

func TestGetFoldersMissingFileIsEmpty(t *testing.T) {
	s, _ := newFileStore(t, FirstWins)
	folders, err := s.GetFolders(context.Background())
	if err != nil {
		t.Fatalf("get folders: %v", err)
	}
	if len(folders) != 0 {
		t.Fatalf("expected no folders, got %d", len(folders))
	}
}

func TestGetFoldersMalformedFileIsEmpty(t *testing.T) {
	s, path := newFileStore(t, FirstWins)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	folders, err := s.GetFolders(context.Background())
	if folders == nil || len(folders) != 0 {
		t.Fatalf("expected empty folder slice, got %#v", folders)
	}
	if !IsKind(err, KindCorrupt) {
		t.Fatalf("expected corrupt storage error, got %v", err)
	}
	exists, _ := s.FolderExists(context.Background(), "F1")
	if exists {
		t.Fatalf("expected folder to be absent on corrupt document")
	}
}

func TestMutationDoesNotOverwriteCorruptDocument(t *testing.T) {
	s, path := newFileStore(t, FirstWins)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.StoreFolder(context.Background(), Folder{ID: "F1", Name: "Inbox"}); err == nil {
		t.Fatalf("expected error storing into corrupt document")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{not json" {
		t.Fatalf("corrupt document was overwritten: %q", data)
	}
}

func TestStoreFolderIsInsertOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, FirstWins)
	created, err := s.StoreFolder(ctx, Folder{ID: "F1", Name: "Inbox", Messages: []Message{msg("M1", "Hi", "2024-01-01T00:00:00Z")}})
	if err != nil || !created {
		t.Fatalf("store folder: created=%v err=%v", created, err)
	}
	created, err = s.StoreFolder(ctx, Folder{ID: "F1", Name: "Renamed"})
	if err != nil {
		t.Fatalf("store folder again: %v", err)
	}
	if created {
		t.Fatalf("expected existing folder to be left alone")
	}
	folder, err := s.GetFolder(ctx, "F1")
	if err != nil {
		t.Fatalf("get folder: %v", err)
	}
	if folder.Name != "Inbox" || len(folder.Messages) != 1 {
		t.Fatalf("unexpected folder: %#v", folder)
	}
}

func TestStoreMessagesFirstWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, FirstWins)
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1", Messages: []Message{msg("m1", "A", "2024-01-01T00:00:00Z")}}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	if err := s.StoreMessages(ctx, "F1", []Message{msg("m1", "B", "2024-01-01T00:00:00Z")}, SetCursor(nil)); err != nil {
		t.Fatalf("store messages: %v", err)
	}
	folder, _ := s.GetFolder(ctx, "F1")
	if len(folder.Messages) != 1 || folder.Messages[0].BodyPreview != "A" {
		t.Fatalf("expected stored copy to win, got %#v", folder.Messages)
	}
}

func TestStoreMessagesLastWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, LastWins)
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1", Messages: []Message{msg("m1", "A", "2024-01-01T00:00:00Z")}}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	if err := s.StoreMessages(ctx, "F1", []Message{msg("m1", "B", "2024-01-01T00:00:00Z")}, KeepCursor()); err != nil {
		t.Fatalf("store messages: %v", err)
	}
	folder, _ := s.GetFolder(ctx, "F1")
	if len(folder.Messages) != 1 || folder.Messages[0].BodyPreview != "B" {
		t.Fatalf("expected incoming copy to win, got %#v", folder.Messages)
	}
}

func TestStoreMessagesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, FirstWins)
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1"}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	page := []Message{
		msg("m1", "one", "2024-01-01T00:00:00Z"),
		msg("m2", "two", "2024-01-02T00:00:00Z"),
	}
	for i := 0; i < 2; i++ {
		if err := s.StoreMessages(ctx, "F1", page, SetCursor(intPtr(10))); err != nil {
			t.Fatalf("store messages: %v", err)
		}
	}
	folder, _ := s.GetFolder(ctx, "F1")
	if len(folder.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(folder.Messages))
	}
	if folder.Messages[0].ID != "m2" || folder.Messages[1].ID != "m1" {
		t.Fatalf("expected newest first, got %s,%s", folder.Messages[0].ID, folder.Messages[1].ID)
	}
	if folder.SkipToken == nil || *folder.SkipToken != 10 {
		t.Fatalf("expected skip token 10, got %v", folder.SkipToken)
	}
}

func TestStoreMessagesKeepCursor(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, FirstWins)
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1", SkipToken: intPtr(10)}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	if err := s.StoreMessages(ctx, "F1", []Message{msg("m3", "x", "2024-01-03T00:00:00Z")}, KeepCursor()); err != nil {
		t.Fatalf("store messages: %v", err)
	}
	folder, _ := s.GetFolder(ctx, "F1")
	if folder.SkipToken == nil || *folder.SkipToken != 10 {
		t.Fatalf("expected cursor to be kept, got %v", folder.SkipToken)
	}
	if err := s.StoreMessages(ctx, "F1", nil, SetCursor(nil)); err != nil {
		t.Fatalf("store messages: %v", err)
	}
	folder, _ = s.GetFolder(ctx, "F1")
	if folder.SkipToken != nil {
		t.Fatalf("expected cursor to be cleared, got %v", *folder.SkipToken)
	}
}

func TestStoreMessagesUnknownFolderLeavesDocument(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t, FirstWins)
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1"}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = s.StoreMessages(ctx, "missing", []Message{msg("m1", "x", "2024-01-01T00:00:00Z")}, SetCursor(intPtr(5)))
	if !errors.Is(err, ErrFolderNotFound) {
		t.Fatalf("expected ErrFolderNotFound, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("document changed:\n%s\n%s", before, after)
	}
}

func TestRemoveMessage(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), Options{})
	if _, err := s.StoreFolder(ctx, Folder{ID: "F1", Messages: []Message{
		msg("m1", "one", "2024-01-01T00:00:00Z"),
		msg("m2", "two", "2024-01-02T00:00:00Z"),
	}}); err != nil {
		t.Fatalf("store folder: %v", err)
	}
	removed, err := s.RemoveMessage(ctx, "m1")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = s.RemoveMessage(ctx, "m1")
	if err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v", removed, err)
	}
	folder, _ := s.GetFolder(ctx, "F1")
	if len(folder.Messages) != 1 || folder.Messages[0].ID != "m2" {
		t.Fatalf("unexpected messages: %#v", folder.Messages)
	}
}

func TestConcurrentMergesDoNotClobber(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), Options{})
	for _, id := range []string{"F1", "F2"} {
		if _, err := s.StoreFolder(ctx, Folder{ID: id}); err != nil {
			t.Fatalf("store folder: %v", err)
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			folderID := "F1"
			if i%2 == 1 {
				folderID = "F2"
			}
			m := msg("m", "x", "2024-01-01T00:00:00Z")
			m.ID = folderID + "-" + string(rune('a'+i))
			if err := s.StoreMessages(ctx, folderID, []Message{m}, KeepCursor()); err != nil {
				t.Errorf("store messages: %v", err)
			}
		}(i)
	}
	wg.Wait()
	folders, _ := s.GetFolders(ctx)
	total := 0
	for _, folder := range folders {
		total += len(folder.Messages)
	}
	if total != 20 {
		t.Fatalf("expected 20 messages across folders, got %d", total)
	}
}

func TestParseMergePolicy(t *testing.T) {
	cases := map[string]MergePolicy{"": FirstWins, "first-wins": FirstWins, "LAST-WINS": LastWins}
	for raw, want := range cases {
		got, err := ParseMergePolicy(raw)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %q err %v", raw, got, err)
		}
	}
	if _, err := ParseMergePolicy("newest"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestBuildDocumentBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := BuildDocumentBackend(ctx, "memory://")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	path := filepath.Join(t.TempDir(), "doc.json")
	backend, err = BuildDocumentBackend(ctx, "file://"+path)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if fb, ok := backend.(*JSONFileBackend); !ok || fb.Path != path {
		t.Fatalf("unexpected file backend %#v", backend)
	}
	if _, err := BuildDocumentBackend(ctx, "s3://bucket"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

const legacyDocument = `{
  "folders": [
    {
      "Id": "F1",
      "Name": "Inbox",
      "ParentId": null,
      "MessageItems": [
        {
          "id": "m1",
          "subject": "breakfast",
          "bodyPreview": "eggs",
          "isRead": true,
          "createdDateTime": "2024-01-01T09:00:00+01:00",
          "conversationId": "c1",
          "changeKey": "k1"
        }
      ],
      "SkipToken": 10,
      "StartupFolder": true
    }
  ]
}`

func TestStoreMessagesPreservesDocumentLayout(t *testing.T) {
	ctx := context.Background()
	s, path := newFileStore(t, FirstWins)
	if err := os.WriteFile(path, []byte(legacyDocument), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.StoreMessages(ctx, "F1", []Message{msg("m2", "lunch", "2024-01-02T12:00:00Z")}, KeepCursor()); err != nil {
		t.Fatalf("store messages: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string][]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode rewritten document: %v\n%s", err, raw)
	}
	folders, ok := doc["folders"]
	if !ok || len(folders) != 1 {
		t.Fatalf("expected one folder under \"folders\", got %s", raw)
	}
	folder := folders[0]
	for _, key := range []string{"Id", "Name", "ParentId", "MessageItems", "SkipToken", "StartupFolder"} {
		if _, ok := folder[key]; !ok {
			t.Fatalf("folder key %q missing from %s", key, raw)
		}
	}
	if string(folder["SkipToken"]) != "10" || string(folder["StartupFolder"]) != "true" || string(folder["ParentId"]) != "null" {
		t.Fatalf("unexpected folder fields %s", raw)
	}

	var items []map[string]any
	if err := json.Unmarshal(folder["MessageItems"], &items); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(items))
	}
	for _, key := range []string{"id", "subject", "bodyPreview", "isRead", "createdDateTime", "conversationId", "changeKey"} {
		if _, ok := items[0][key]; !ok {
			t.Fatalf("message key %q missing from %s", key, raw)
		}
	}
	byID := map[string]map[string]any{}
	for _, item := range items {
		byID[item["id"].(string)] = item
	}
	if got := byID["m1"]["createdDateTime"]; got != "2024-01-01T09:00:00+01:00" {
		t.Fatalf("expected offset to survive the rewrite, got %v", got)
	}
	if items[0]["id"] != "m2" {
		t.Fatalf("expected newest message first, got %v", items[0]["id"])
	}
}
