package main

import (
	"errors"
	"testing"
)

// =============================================================================
// ORDER ENGINE TESTS
// =============================================================================

func TestReconcileOrder(t *testing.T) {
	tests := []struct {
		name        string
		stored      []string
		children    []string
		want        []string
		wantChanged bool
	}{
		{
			name:        "already clean",
			stored:      []string{"a", "b"},
			children:    []string{"a", "b"},
			want:        []string{"a", "b"},
			wantChanged: false,
		},
		{
			name:        "stale id dropped",
			stored:      []string{"a", "gone", "b"},
			children:    []string{"a", "b"},
			want:        []string{"a", "b"},
			wantChanged: true,
		},
		{
			name:        "missing child appended",
			stored:      []string{"b"},
			children:    []string{"a", "b", "c"},
			want:        []string{"b", "a", "c"},
			wantChanged: true,
		},
		{
			name:        "duplicate collapsed",
			stored:      []string{"a", "a", "b"},
			children:    []string{"a", "b"},
			want:        []string{"a", "b"},
			wantChanged: true,
		},
		{
			name:        "both empty",
			stored:      []string{},
			children:    []string{},
			want:        []string{},
			wantChanged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := reconcileOrder(tt.stored, tt.children)
			if !equalIDs(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			if changed != tt.wantChanged {
				t.Errorf("Expected changed=%v, got %v", tt.wantChanged, changed)
			}
		})
	}
}

func TestSpliceTo(t *testing.T) {
	ids := []string{"a", "b", "c"}

	got, err := spliceTo(ids, "c", 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !equalIDs(got, []string{"c", "a", "b"}) {
		t.Errorf("Expected [c a b], got %v", got)
	}

	// Index past the end clamps to append.
	got, err = spliceTo(ids, "a", 99)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !equalIDs(got, []string{"b", "c", "a"}) {
		t.Errorf("Expected [b c a], got %v", got)
	}

	if _, err := spliceTo(ids, "missing", 0); !errors.Is(err, errUnknownChild) {
		t.Errorf("Expected errUnknownChild, got %v", err)
	}
}

func TestReorderChild(t *testing.T) {
	db := setupTestDatabase(t)

	a := mustCreateLink(t, db, rootFolderID, "A", "https://a.example.com")
	b := mustCreateLink(t, db, rootFolderID, "B", "https://b.example.com")
	c := mustCreateLink(t, db, rootFolderID, "C", "https://c.example.com")

	order, err := db.reorderChild(rootFolderID, a.ID, 2)
	if err != nil {
		t.Fatalf("Failed to reorder: %v", err)
	}
	if !equalIDs(order, []string{b.ID, c.ID, a.ID}) {
		t.Errorf("Expected [b c a], got %v", order)
	}

	// Reordering a child under the wrong folder is rejected.
	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	if _, err := db.reorderChild(folder.ID, a.ID, 0); !errors.Is(err, errUnknownChild) {
		t.Errorf("Expected errUnknownChild, got %v", err)
	}

	if _, err := db.reorderChild(rootFolderID, "missing", 0); !errors.Is(err, errNotFound) {
		t.Errorf("Expected errNotFound, got %v", err)
	}
}

func TestOrderedChildIDs_ReconcilesStaleArray(t *testing.T) {
	db := setupTestDatabase(t)

	a := mustCreateLink(t, db, rootFolderID, "A", "https://a.example.com")
	b := mustCreateLink(t, db, rootFolderID, "B", "https://b.example.com")

	// Poison the stored array with a stale ID and drop a live one.
	if err := db.setFolderOrder(rootFolderID, []string{"stale", b.ID}); err != nil {
		t.Fatalf("Failed to set order: %v", err)
	}

	ids, err := db.orderedChildIDs(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to get ordered children: %v", err)
	}
	if !equalIDs(ids, []string{b.ID, a.ID}) {
		t.Errorf("Expected [b a], got %v", ids)
	}

	// The cleaned array is persisted.
	stored, err := db.getFolderOrder(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to read stored order: %v", err)
	}
	if !equalIDs(stored, []string{b.ID, a.ID}) {
		t.Errorf("Expected persisted [b a], got %v", stored)
	}
}

// =============================================================================
// MOVE TESTS
// =============================================================================

func TestMoveBookmark_AcrossFolders(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	keep := mustCreateLink(t, db, folder.ID, "Keep", "https://keep.example.com")
	link := mustCreateLink(t, db, rootFolderID, "Link", "https://example.com")

	if err := db.moveBookmark(link.ID, folder.ID, 0); err != nil {
		t.Fatalf("Failed to move bookmark: %v", err)
	}

	moved, err := db.getBookmark(link.ID)
	if err != nil {
		t.Fatalf("Failed to get moved bookmark: %v", err)
	}
	if moved.ParentID != folder.ID {
		t.Errorf("Expected parent %s, got %s", folder.ID, moved.ParentID)
	}

	ids, err := db.orderedChildIDs(folder.ID)
	if err != nil {
		t.Fatalf("Failed to get folder order: %v", err)
	}
	if !equalIDs(ids, []string{link.ID, keep.ID}) {
		t.Errorf("Expected [link keep], got %v", ids)
	}

	rootIDs, err := db.orderedChildIDs(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to get root order: %v", err)
	}
	if containsID(rootIDs, link.ID) {
		t.Errorf("Expected link removed from root order, got %v", rootIDs)
	}
}

func TestMoveBookmark_SameParentIsReorder(t *testing.T) {
	db := setupTestDatabase(t)

	a := mustCreateLink(t, db, rootFolderID, "A", "https://a.example.com")
	b := mustCreateLink(t, db, rootFolderID, "B", "https://b.example.com")

	if err := db.moveBookmark(b.ID, rootFolderID, 0); err != nil {
		t.Fatalf("Failed to move within folder: %v", err)
	}

	ids, err := db.orderedChildIDs(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if !equalIDs(ids, []string{b.ID, a.ID}) {
		t.Errorf("Expected [b a], got %v", ids)
	}
}

func TestMoveBookmark_RejectsCycles(t *testing.T) {
	db := setupTestDatabase(t)

	outer := mustCreateFolder(t, db, rootFolderID, "Outer")
	inner := mustCreateFolder(t, db, outer.ID, "Inner")
	mustCreateLink(t, db, inner.ID, "Leaf", "https://example.com")

	if err := db.moveBookmark(outer.ID, outer.ID, -1); !errors.Is(err, errCycle) {
		t.Errorf("Expected errCycle moving into itself, got %v", err)
	}
	if err := db.moveBookmark(outer.ID, inner.ID, -1); !errors.Is(err, errCycle) {
		t.Errorf("Expected errCycle moving into descendant, got %v", err)
	}
}

func TestMoveBookmark_RejectsLinkParent(t *testing.T) {
	db := setupTestDatabase(t)

	link := mustCreateLink(t, db, rootFolderID, "Link", "https://example.com")
	other := mustCreateLink(t, db, rootFolderID, "Other", "https://example.org")

	if err := db.moveBookmark(other.ID, link.ID, -1); !errors.Is(err, errNotAFolder) {
		t.Errorf("Expected errNotAFolder, got %v", err)
	}
}

func TestMoveBookmark_DissolvesEmptySourceFolder(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	link := mustCreateLink(t, db, folder.ID, "Only child", "https://example.com")

	if err := db.moveBookmark(link.ID, rootFolderID, -1); err != nil {
		t.Fatalf("Failed to move: %v", err)
	}

	gone, err := db.getBookmark(folder.ID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if gone != nil {
		t.Error("Expected emptied folder to be dissolved")
	}

	ids, err := db.orderedChildIDs(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to get root order: %v", err)
	}
	if containsID(ids, folder.ID) {
		t.Errorf("Expected dissolved folder removed from root order, got %v", ids)
	}
}

func TestDeleteBookmark_DissolvesChainOfEmptyFolders(t *testing.T) {
	db := setupTestDatabase(t)

	outer := mustCreateFolder(t, db, rootFolderID, "Outer")
	inner := mustCreateFolder(t, db, outer.ID, "Inner")
	leaf := mustCreateLink(t, db, inner.ID, "Leaf", "https://example.com")

	if err := db.deleteBookmark(leaf.ID); err != nil {
		t.Fatalf("Failed to delete leaf: %v", err)
	}

	for _, id := range []string{inner.ID, outer.ID} {
		got, err := db.getBookmark(id)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got != nil {
			t.Errorf("Expected folder %s dissolved", id)
		}
	}
}

// =============================================================================
// MERGE TESTS
// =============================================================================

func TestMergeBookmarks_LinkOntoLinkCreatesFolder(t *testing.T) {
	db := setupTestDatabase(t)

	a := mustCreateLink(t, db, rootFolderID, "Alpha", "https://a.example.com")
	target := mustCreateLink(t, db, rootFolderID, "Target", "https://t.example.com")
	source := mustCreateLink(t, db, rootFolderID, "Source", "https://s.example.com")

	folder, err := db.mergeBookmarks(source.ID, target.ID)
	if err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	if folder.Kind != KindFolder {
		t.Fatalf("Expected a folder, got %s", folder.Kind)
	}
	if folder.Title != "Target" {
		t.Errorf("Expected folder titled from target, got %q", folder.Title)
	}

	// The folder takes the target's slot in the parent order.
	rootIDs, err := db.orderedChildIDs(rootFolderID)
	if err != nil {
		t.Fatalf("Failed to get root order: %v", err)
	}
	if !equalIDs(rootIDs, []string{a.ID, folder.ID}) {
		t.Errorf("Expected root order [alpha folder], got %v", rootIDs)
	}

	// Target first, then source.
	ids, err := db.orderedChildIDs(folder.ID)
	if err != nil {
		t.Fatalf("Failed to get folder order: %v", err)
	}
	if !equalIDs(ids, []string{target.ID, source.ID}) {
		t.Errorf("Expected folder order [target source], got %v", ids)
	}
}

func TestMergeBookmarks_OntoFolderAppends(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	existing := mustCreateLink(t, db, folder.ID, "Existing", "https://e.example.com")
	source := mustCreateLink(t, db, rootFolderID, "Source", "https://s.example.com")

	got, err := db.mergeBookmarks(source.ID, folder.ID)
	if err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}
	if got.ID != folder.ID {
		t.Errorf("Expected target folder returned, got %s", got.ID)
	}

	ids, err := db.orderedChildIDs(folder.ID)
	if err != nil {
		t.Fatalf("Failed to get folder order: %v", err)
	}
	if !equalIDs(ids, []string{existing.ID, source.ID}) {
		t.Errorf("Expected [existing source], got %v", ids)
	}
}

func TestMergeBookmarks_Rejections(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	mustCreateLink(t, db, folder.ID, "Keep", "https://k.example.com")
	link := mustCreateLink(t, db, rootFolderID, "Link", "https://example.com")

	if _, err := db.mergeBookmarks(folder.ID, link.ID); !errors.Is(err, errBadMerge) {
		t.Errorf("Expected errBadMerge for folder onto link, got %v", err)
	}
	if _, err := db.mergeBookmarks(link.ID, link.ID); !errors.Is(err, errValidation) {
		t.Errorf("Expected validation error for self merge, got %v", err)
	}
	if _, err := db.mergeBookmarks("missing", link.ID); !errors.Is(err, errNotFound) {
		t.Errorf("Expected errNotFound, got %v", err)
	}
}

// =============================================================================
// TREE BUILD TESTS
// =============================================================================

func TestBuildTree_NestedAndOrdered(t *testing.T) {
	db := setupTestDatabase(t)

	folder := mustCreateFolder(t, db, rootFolderID, "Folder")
	inner := mustCreateLink(t, db, folder.ID, "Inner", "https://i.example.com")
	top := mustCreateLink(t, db, rootFolderID, "Top", "https://t.example.com")

	if _, err := db.reorderChild(rootFolderID, top.ID, 0); err != nil {
		t.Fatalf("Failed to reorder: %v", err)
	}

	tree, err := db.buildTree()
	if err != nil {
		t.Fatalf("Failed to build tree: %v", err)
	}

	if len(tree) != 2 {
		t.Fatalf("Expected 2 root nodes, got %d", len(tree))
	}
	if tree[0].ID != top.ID {
		t.Errorf("Expected top first, got %s", tree[0].ID)
	}
	if tree[1].ID != folder.ID {
		t.Fatalf("Expected folder second, got %s", tree[1].ID)
	}
	if len(tree[1].Children) != 1 || tree[1].Children[0].ID != inner.ID {
		t.Errorf("Expected folder to contain inner link, got %+v", tree[1].Children)
	}
}
