package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// =============================================================================
// REMOTE BOOKMARK IMPORT TESTS
// =============================================================================

// stubBookmarkClient serves canned pages of remote bookmarks.
type stubBookmarkClient struct {
	pages [][]RemoteBookmark
	calls int
	err   error
}

func (s *stubBookmarkClient) GetBookmarks(ctx context.Context, limit int, nextURL string) ([]RemoteBookmark, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	if s.calls >= len(s.pages) {
		return nil, "", nil
	}
	page := s.pages[s.calls]
	s.calls++
	next := ""
	if s.calls < len(s.pages) {
		next = "https://remote.example.com/api/v1/bookmarks?max_id=next"
	}
	return page, next, nil
}

func remoteFixture(id, url, title string) RemoteBookmark {
	return RemoteBookmark{
		StatusID:  id,
		URL:       url,
		Title:     title,
		Tags:      []string{"imported"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestImportRemoteBookmarks_CreatesFolderAndLinks(t *testing.T) {
	db := setupTestDatabase(t)

	client := &stubBookmarkClient{
		pages: [][]RemoteBookmark{
			{
				remoteFixture("1", "https://a.example.com", "Article A"),
				remoteFixture("2", "https://b.example.com", "Article B"),
			},
			{
				remoteFixture("3", "https://c.example.com", "Article C"),
			},
		},
	}

	result, err := importRemoteBookmarks(context.Background(), db, client, "", 40, nil)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	if result.Imported != 3 {
		t.Errorf("Expected 3 imported, got %d", result.Imported)
	}
	if result.Skipped != 0 {
		t.Errorf("Expected 0 skipped, got %d", result.Skipped)
	}
	if client.calls != 2 {
		t.Errorf("Expected 2 pages fetched, got %d", client.calls)
	}

	folder, err := db.getBookmark(result.FolderID)
	if err != nil {
		t.Fatalf("Failed to get import folder: %v", err)
	}
	if folder == nil || folder.Kind != KindFolder || folder.Title != defaultImportFolderTitle {
		t.Fatalf("Expected a %q folder, got %+v", defaultImportFolderTitle, folder)
	}

	children, err := db.listChildren(folder.ID)
	if err != nil {
		t.Fatalf("Failed to list imported links: %v", err)
	}
	if len(children) != 3 {
		t.Errorf("Expected 3 imported links, got %d", len(children))
	}
	for _, child := range children {
		if child.Kind != KindLink {
			t.Errorf("Expected only links, got %s", child.Kind)
		}
		if len(child.Tags) != 1 || child.Tags[0] != "imported" {
			t.Errorf("Expected tags carried over, got %v", child.Tags)
		}
	}
}

func TestImportRemoteBookmarks_SkipsDuplicatesAndEmptyURLs(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Imports")
	mustCreateLink(t, db, folder.ID, "Already there", "https://a.example.com")

	client := &stubBookmarkClient{
		pages: [][]RemoteBookmark{
			{
				remoteFixture("1", "https://a.example.com", "Duplicate"),
				remoteFixture("2", "", "No URL"),
				remoteFixture("3", "https://fresh.example.com", "Fresh"),
			},
		},
	}

	result, err := importRemoteBookmarks(context.Background(), db, client, folder.ID, 40, nil)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	if result.Imported != 1 {
		t.Errorf("Expected 1 imported, got %d", result.Imported)
	}
	if result.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", result.Skipped)
	}
	if result.FolderID != folder.ID {
		t.Errorf("Expected given folder used, got %s", result.FolderID)
	}
}

func TestImportRemoteBookmarks_ReusesExistingImportFolder(t *testing.T) {
	db := setupTestDatabase(t)

	existing := mustCreateFolder(t, db, rootFolderID, defaultImportFolderTitle)

	client := &stubBookmarkClient{
		pages: [][]RemoteBookmark{
			{remoteFixture("1", "https://a.example.com", "A")},
		},
	}

	result, err := importRemoteBookmarks(context.Background(), db, client, "", 40, nil)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.FolderID != existing.ID {
		t.Errorf("Expected existing folder reused, got %s", result.FolderID)
	}
}

func TestImportRemoteBookmarks_InvalidTargetFolder(t *testing.T) {
	db := setupTestDatabase(t)
	link := mustCreateLink(t, db, rootFolderID, "Link", "https://example.com")

	client := &stubBookmarkClient{}

	if _, err := importRemoteBookmarks(context.Background(), db, client, "missing", 40, nil); !errors.Is(err, errNotFound) {
		t.Errorf("Expected errNotFound, got %v", err)
	}
	if _, err := importRemoteBookmarks(context.Background(), db, client, link.ID, 40, nil); !errors.Is(err, errNotAFolder) {
		t.Errorf("Expected errNotAFolder, got %v", err)
	}
}

func TestImportRemoteBookmarks_PropagatesFetchErrors(t *testing.T) {
	db := setupTestDatabase(t)

	fetchErr := errors.New("remote unavailable")
	client := &stubBookmarkClient{err: fetchErr}

	if _, err := importRemoteBookmarks(context.Background(), db, client, "", 40, nil); !errors.Is(err, fetchErr) {
		t.Errorf("Expected fetch error propagated, got %v", err)
	}
}

func TestImportRemoteBookmarks_EmitsProgressEvents(t *testing.T) {
	db := setupTestDatabase(t)

	client := &stubBookmarkClient{
		pages: [][]RemoteBookmark{
			{remoteFixture("1", "https://a.example.com", "A")},
		},
	}

	events := make(chan ServerEvent, 10)
	if _, err := importRemoteBookmarks(context.Background(), db, client, "", 40, events); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	close(events)

	types := []string{}
	for event := range events {
		types = append(types, event.Type)
	}

	want := []string{"import_started", "import_progress", "import_complete"}
	if !equalIDs(types, want) {
		t.Errorf("Expected events %v, got %v", want, types)
	}
}

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestRateLimiter_AllowsWithinWindow(t *testing.T) {
	rl := newRateLimiter(2, time.Minute)

	if !rl.allow() {
		t.Error("Expected first request allowed")
	}
	if !rl.allow() {
		t.Error("Expected second request allowed")
	}
	if rl.allow() {
		t.Error("Expected third request blocked")
	}
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	rl := newRateLimiter(1, 10*time.Millisecond)

	if !rl.allow() {
		t.Error("Expected first request allowed")
	}
	if rl.allow() {
		t.Error("Expected second request blocked")
	}

	time.Sleep(20 * time.Millisecond)
	if !rl.allow() {
		t.Error("Expected request allowed after window expiry")
	}
}

func TestRateLimiter_WaitRespectsContext(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	if !rl.allow() {
		t.Fatal("Expected first request allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.wait(ctx); err == nil {
		t.Error("Expected context deadline error from wait")
	}
}
