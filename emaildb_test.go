package emaildb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/maintenance"
)

func rawEML(messageID, subject, body string) []byte {
	return []byte(
		"Message-Id: <" + messageID + ">\r\n" +
			"From: sender@example.com\r\n" +
			"To: recipient@example.com\r\n" +
			"Subject: " + subject + "\r\n" +
			"Date: Mon, 01 Jan 2024 00:00:00 +0000\r\n" +
			"\r\n" +
			body + "\r\n")
}

func openTestEngine(t *testing.T, opts Options) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.blk")
	e, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, path
}

func TestOpenBootstrapImportListAndStats(t *testing.T) {
	e, _ := openTestEngine(t, Options{Passphrase: []byte("correct horse battery staple")})

	idA, err := e.Import(rawEML("a@x", "project update", "hello world"), "/Inbox")
	if err != nil {
		t.Fatalf("import a: %v", err)
	}
	idB, err := e.Import(rawEML("b@x", "weekly digest", "more body"), "/Inbox")
	if err != nil {
		t.Fatalf("import b: %v", err)
	}
	if idA == idB {
		t.Fatalf("expected distinct compound ids, got %v and %v", idA, idB)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	envelopes, err := e.ListFolder("/Inbox", SortNone, 0, 0)
	if err != nil {
		t.Fatalf("list folder: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes in /Inbox, got %d", len(envelopes))
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EmailCount != 2 {
		t.Fatalf("expected email_count 2, got %d", stats.EmailCount)
	}
	if stats.FolderCount != 1 {
		t.Fatalf("expected folder_count 1, got %d", stats.FolderCount)
	}
	if stats.BlockCountsByType["EmailBatch"] != 1 {
		t.Fatalf("expected exactly one EmailBatch block, got counts=%v", stats.BlockCountsByType)
	}

	got, err := e.GetEmail(idA)
	if err != nil {
		t.Fatalf("get email: %v", err)
	}
	if got.Envelope.MessageID != "a@x" {
		t.Fatalf("expected message-id a@x, got %q", got.Envelope.MessageID)
	}
}

func TestReimportSameMessageDeduplicates(t *testing.T) {
	e, _ := openTestEngine(t, Options{})

	first, err := e.Import(rawEML("a@x", "hello", "body one"), "/Inbox")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	second, err := e.Import(rawEML("a@x", "hello", "body one"), "/Inbox")
	if err != nil {
		t.Fatalf("reimport: %v", err)
	}
	if first != second {
		t.Fatalf("expected reimport to return the same compound id, got %v and %v", first, second)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EmailCount != 1 {
		t.Fatalf("expected email_count 1 after dedup, got %d", stats.EmailCount)
	}
	if stats.BlockCountsByType["EmailBatch"] != 1 {
		t.Fatalf("expected no second EmailBatch block from a duplicate import, got counts=%v", stats.BlockCountsByType)
	}
}

func TestMoveLeavesOldGenerationsSuperseded(t *testing.T) {
	e, _ := openTestEngine(t, Options{})

	id, err := e.Import(rawEML("a@x", "hello", "body"), "/A")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := e.Move(id, "/A", "/B"); err != nil {
		t.Fatalf("move: %v", err)
	}

	aEnvelopes, err := e.ListFolder("/A", SortNone, 0, 0)
	if err != nil {
		t.Fatalf("list /A: %v", err)
	}
	if len(aEnvelopes) != 0 {
		t.Fatalf("expected /A empty after move, got %d entries", len(aEnvelopes))
	}

	bEnvelopes, err := e.ListFolder("/B", SortNone, 0, 0)
	if err != nil {
		t.Fatalf("list /B: %v", err)
	}
	if len(bEnvelopes) != 1 || bEnvelopes[0].CompoundID != id {
		t.Fatalf("expected /B to hold the moved email, got %+v", bEnvelopes)
	}

	candidates, err := e.maint.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatalf("expected move to leave superseded Folder/FolderEnvelope generations behind")
	}
}

func TestSearchFindsImportedEmail(t *testing.T) {
	e, _ := openTestEngine(t, Options{})

	if _, err := e.Import(rawEML("a@x", "quarterly roadmap review", "discussing the roadmap for q3"), "/Inbox"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	hits, err := e.Search("roadmap", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one search hit for 'roadmap'")
	}
}

func TestRunMaintenanceAndCompactReclaimsSupersededBlocks(t *testing.T) {
	e, path := openTestEngine(t, Options{MaintenancePolicy: &maintenance.Policy{
		MinAgeHoursForDeletion:   0,
		FolderVersionsToKeep:     1,
		KeyManagerVersionsToKeep: 1,
		BackupsToKeep:            1,
	}})

	id, err := e.Import(rawEML("a@x", "hello", "body"), "/A")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := e.Move(id, "/A", "/B"); err != nil {
		t.Fatalf("move: %v", err)
	}

	candidates, err := e.RunMaintenance(e.policy)
	if err != nil {
		t.Fatalf("run maintenance: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatalf("expected run_maintenance to report superseded candidates")
	}

	statsBefore, err := e.Stats()
	if err != nil {
		t.Fatalf("stats before compact: %v", err)
	}

	deadline := time.Now().Add(time.Minute)
	result, err := e.Compact(context.Background(), deadline)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(result.DeletedBlocks) == 0 {
		t.Fatalf("expected compact to delete at least one block")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file to still exist after compact: %v", err)
	}

	got, err := e.GetEmail(id)
	if err != nil {
		t.Fatalf("get email after compact: %v", err)
	}
	if got.Envelope.MessageID != "a@x" {
		t.Fatalf("expected email to remain readable after compact, got %+v", got)
	}

	statsAfter, err := e.Stats()
	if err != nil {
		t.Fatalf("stats after compact: %v", err)
	}
	if statsAfter.FileSizeBytes >= statsBefore.FileSizeBytes {
		t.Fatalf("expected compact to shrink the file, before=%d after=%d", statsBefore.FileSizeBytes, statsAfter.FileSizeBytes)
	}
}

func TestReopenAfterTornTailKeepsEmailReadable(t *testing.T) {
	e, path := openTestEngine(t, Options{})

	if _, err := e.Import(rawEML("a@x", "hello", "body"), "/Inbox"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, _, err := e.batcher.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	zeros := make([]byte, 16)
	if _, err := f.WriteAt(zeros, info.Size()-int64(len(zeros))); err != nil {
		t.Fatalf("corrupt tail: %v", err)
	}
	f.Close()

	reopened, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer reopened.Close()

	failures, err := reopened.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify integrity: %v", err)
	}
	_ = failures // the torn tail block is dropped by Scan resync rather than reported as a checksum mismatch

	envelopes, err := reopened.ListFolder("/Inbox", SortNone, 0, 0)
	if err != nil {
		t.Fatalf("list folder after corruption: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected the previously imported email to remain readable, got %d envelopes", len(envelopes))
	}
}
