package folderstore

import (
	"testing"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/payloadcodec"
)

func newTestStore(t *testing.T) (*Store, *blockfile.BlockFile, clock.Clock) {
	t.Helper()
	dir := t.TempDir()
	bf, _, err := blockfile.Open(dir + "/folders.emdb")
	if err != nil {
		t.Fatalf("open blockfile: %v", err)
	}
	t.Cleanup(func() { bf.Close() })
	clk := clock.NewFixed(time.Unix(0, 0))
	bs := blockstore.Open(bf, payloadcodec.New(), nil, clk, 1<<20)
	return New(bs, clk), bf, clk
}

func TestCreateThenAddIncrementsVersion(t *testing.T) {
	s, _, _ := newTestStore(t)

	h1, err := s.Create("/Inbox")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h1.Version != 1 {
		t.Fatalf("expected version 1 after create, got %d", h1.Version)
	}

	id := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	mut, err := s.AddEmail("/Inbox", id, emailmodel.EmailEnvelope{CompoundID: id, MessageID: "<a@x>"})
	if err != nil {
		t.Fatalf("add email: %v", err)
	}
	if mut.NewHead.Version != 2 {
		t.Fatalf("expected version 2 after add, got %d", mut.NewHead.Version)
	}
	if !mut.HadPreviousVersion {
		t.Fatalf("expected a prior version to be superseded")
	}
	if mut.SupersededFolder.OldBlockID != h1.FolderBlockID {
		t.Fatalf("expected v1 folder block to be reported superseded")
	}

	envelopes, err := s.ListEnvelopes("/Inbox")
	if err != nil {
		t.Fatalf("list envelopes: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].MessageID != "<a@x>" {
		t.Fatalf("unexpected envelopes: %+v", envelopes)
	}
}

func TestAddEmailWithoutPriorCreateStartsAtVersionOne(t *testing.T) {
	s, _, _ := newTestStore(t)
	id := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	mut, err := s.AddEmail("/Inbox", id, emailmodel.EmailEnvelope{CompoundID: id, MessageID: "<a@x>"})
	if err != nil {
		t.Fatalf("add email: %v", err)
	}
	if mut.NewHead.Version != 1 {
		t.Fatalf("expected version 1 for first-ever mutation, got %d", mut.NewHead.Version)
	}
	if mut.HadPreviousVersion {
		t.Fatalf("expected no prior version on a brand new folder")
	}
}

func TestMoveAcrossFoldersProducesTwoSupersededGenerations(t *testing.T) {
	s, _, _ := newTestStore(t)
	id := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	env := emailmodel.EmailEnvelope{CompoundID: id, MessageID: "<a@x>"}

	if _, err := s.Create("/A"); err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := s.Create("/B"); err != nil {
		t.Fatalf("create B: %v", err)
	}
	if _, err := s.AddEmail("/A", id, env); err != nil {
		t.Fatalf("add to A: %v", err)
	}

	// Move: remove from src, then add to dst.
	if _, err := s.RemoveEmail("/A", id); err != nil {
		t.Fatalf("remove from A: %v", err)
	}
	if _, err := s.AddEmail("/B", id, env); err != nil {
		t.Fatalf("add to B: %v", err)
	}

	aEnvelopes, err := s.ListEnvelopes("/A")
	if err != nil {
		t.Fatalf("list A: %v", err)
	}
	if len(aEnvelopes) != 0 {
		t.Fatalf("expected /A empty after move, got %v", aEnvelopes)
	}
	bEnvelopes, err := s.ListEnvelopes("/B")
	if err != nil {
		t.Fatalf("list B: %v", err)
	}
	if len(bEnvelopes) != 1 || bEnvelopes[0].CompoundID != id {
		t.Fatalf("expected /B to contain the moved email, got %v", bEnvelopes)
	}

	aHead, _ := s.Head("/A")
	bHead, _ := s.Head("/B")
	if aHead.Version != 3 {
		t.Fatalf("expected /A at version 3 (create, add, remove), got %d", aHead.Version)
	}
	if bHead.Version != 2 {
		t.Fatalf("expected /B at version 2 (create, add), got %d", bHead.Version)
	}
}

func TestRemoveEmailNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Create("/Inbox"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.RemoveEmail("/Inbox", emailmodel.CompoundID{BlockID: 99, LocalID: 0})
	if err == nil {
		t.Fatalf("expected an error removing an email that was never added")
	}
}

func TestRebuildResolvesHighestVersionHead(t *testing.T) {
	s, bf, _ := newTestStore(t)
	id := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	env := emailmodel.EmailEnvelope{CompoundID: id, MessageID: "<a@x>"}

	if _, err := s.Create("/Inbox"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AddEmail("/Inbox", id, env); err != nil {
		t.Fatalf("add: %v", err)
	}
	wantHead, _ := s.Head("/Inbox")

	fresh := New(s.bs, s.clk)
	if err := fresh.Rebuild(bf); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	gotHead, ok := fresh.Head("/Inbox")
	if !ok {
		t.Fatalf("expected rebuild to recover /Inbox")
	}
	if gotHead != wantHead {
		t.Fatalf("rebuild head mismatch: got %+v want %+v", gotHead, wantHead)
	}
}
