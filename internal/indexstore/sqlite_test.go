package indexstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

func TestSidecarSaveAndLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idx.sqlite3")

	sc, err := OpenSidecar(path)
	if err != nil {
		t.Fatalf("open sidecar: %v", err)
	}
	defer sc.Close()

	s := New()
	id := emailmodel.CompoundID{BlockID: 3, LocalID: 1}
	s.IndexEmail("msg@example.com", "env-h", "content-h", id, 7, []string{"alpha"})
	s.IndexFolder("/Inbox", 4, 7)

	if err := sc.Save(ctx, s, 10); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := New()
	if err := sc.Load(ctx, loaded, 10); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, ok := loaded.LookupByMessageID("msg@example.com")
	if !ok || got != id {
		t.Fatalf("loaded message-id lookup failed: got %v ok %v", got, ok)
	}
	folderBlk, ok := loaded.FolderBlockID("/Inbox")
	if !ok || folderBlk != 4 {
		t.Fatalf("loaded folder lookup failed: got %d ok %v", folderBlk, ok)
	}
	terms := loaded.SearchTerm("alpha")
	if len(terms) != 1 || terms[0] != id {
		t.Fatalf("loaded term lookup failed: got %v", terms)
	}
}

func TestSidecarStaleOnBlockIDMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idx.sqlite3")

	sc, err := OpenSidecar(path)
	if err != nil {
		t.Fatalf("open sidecar: %v", err)
	}
	defer sc.Close()

	s := New()
	s.IndexFolder("/Inbox", 1, 2)
	if err := sc.Save(ctx, s, 5); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := New()
	err = sc.Load(ctx, loaded, 6)
	if err != ErrSidecarStale {
		t.Fatalf("expected ErrSidecarStale on block id mismatch, got %v", err)
	}
}

func TestSidecarStaleWhenEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idx.sqlite3")
	sc, err := OpenSidecar(path)
	if err != nil {
		t.Fatalf("open sidecar: %v", err)
	}
	defer sc.Close()

	loaded := New()
	if err := sc.Load(ctx, loaded, 0); err != ErrSidecarStale {
		t.Fatalf("expected ErrSidecarStale for an empty sidecar, got %v", err)
	}
}
