package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/folderstore"
	"github.com/Ap3pp3rs94/emaildb/internal/indexstore"
	"github.com/Ap3pp3rs94/emaildb/internal/payloadcodec"
)

func newTestEngine(t *testing.T, policy Policy) (*Engine, *blockfile.BlockFile, *blockstore.Store, *folderstore.Store, *indexstore.Store, *clock.Fixed) {
	t.Helper()
	dir := t.TempDir()
	bf, _, err := blockfile.Open(dir + "/maint.emdb")
	if err != nil {
		t.Fatalf("open blockfile: %v", err)
	}
	t.Cleanup(func() { bf.Close() })

	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	bs := blockstore.Open(bf, payloadcodec.New(), nil, clk, 1<<20)
	idx := indexstore.New()
	folders := folderstore.New(bs, clk)

	eng := New(bf, bs, idx, clk, nil, policy)
	return eng, bf, bs, folders, idx, clk
}

// threeGenerations builds /Inbox through create + two AddEmail calls,
// indexing only the final head the way Coordinator would, and returns
// each generation's head for assertions.
func threeGenerations(t *testing.T, folders *folderstore.Store, idx *indexstore.Store) (v1, v2, v3 folderstore.Head) {
	t.Helper()
	v1, err := folders.Create("/Inbox")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id1 := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	mut2, err := folders.AddEmail("/Inbox", id1, emailmodel.EmailEnvelope{CompoundID: id1, MessageID: "<a@x>"})
	if err != nil {
		t.Fatalf("add 1: %v", err)
	}
	v2 = mut2.NewHead
	id2 := emailmodel.CompoundID{BlockID: 2, LocalID: 0}
	mut3, err := folders.AddEmail("/Inbox", id2, emailmodel.EmailEnvelope{CompoundID: id2, MessageID: "<b@x>"})
	if err != nil {
		t.Fatalf("add 2: %v", err)
	}
	v3 = mut3.NewHead
	idx.IndexFolder("/Inbox", v3.FolderBlockID, v3.EnvelopeBlockID)
	return v1, v2, v3
}

func TestIdentifySupersededFindsOldestFolderVersionBeyondRetention(t *testing.T) {
	policy := DefaultPolicy()
	policy.FolderVersionsToKeep = 1
	eng, _, _, folders, idx, clk := newTestEngine(t, policy)

	v1, _, v3 := threeGenerations(t, folders, idx)
	clk.Advance(time.Duration(policy.MinAgeHoursForDeletion+1) * time.Hour)

	candidates, err := eng.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}

	foundOldFolder := false
	foundOldEnvelope := false
	for _, c := range candidates {
		if c.BlockID == v1.FolderBlockID {
			foundOldFolder = true
		}
		if c.BlockID == v1.EnvelopeBlockID {
			foundOldEnvelope = true
		}
		if c.BlockID == v3.FolderBlockID || c.BlockID == v3.EnvelopeBlockID {
			t.Fatalf("the live head must never be proposed for deletion, got %+v", c)
		}
	}
	if !foundOldFolder || !foundOldEnvelope {
		t.Fatalf("expected v1's folder and envelope blocks to clear the safety gate, got %+v", candidates)
	}
}

func TestIdentifySupersededRespectsMinAge(t *testing.T) {
	policy := DefaultPolicy()
	policy.FolderVersionsToKeep = 1
	eng, _, _, folders, idx, _ := newTestEngine(t, policy)

	threeGenerations(t, folders, idx)

	// No time has passed: nothing should clear the min-age gate yet.
	candidates, err := eng.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates before min age elapses, got %+v", candidates)
	}
}

func TestIdentifySupersededFindsOrphanedEmailBatch(t *testing.T) {
	policy := DefaultPolicy()
	eng, _, bs, _, idx, clk := newTestEngine(t, policy)

	blockID, _, err := blockstore.WriteSelfReferential(bs,
		blockstore.WriteOptions{Type: blockfile.TypeEmailBatch, Encoding: blockfile.EncodingJSON},
		func(blockID int64) emailmodel.EmailBatchContent {
			return emailmodel.EmailBatchContent{BlockID: blockID, Emails: []emailmodel.StoredEmail{
				{LocalID: 0, EnvelopeHash: "h1", ContentHash: "c1", EmailBytes: []byte("hello")},
			}}
		})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	_ = idx // deliberately never indexed: this batch is an orphan from the start

	clk.Advance(time.Duration(policy.MinAgeHoursForDeletion+1) * time.Hour)

	candidates, err := eng.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.BlockID == blockID && c.Type == blockfile.TypeEmailBatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the unindexed EmailBatch block to be an orphan candidate, got %+v", candidates)
	}
}

func TestIdentifySupersededIgnoresReferencedEmailBatch(t *testing.T) {
	policy := DefaultPolicy()
	eng, _, bs, _, idx, clk := newTestEngine(t, policy)

	blockID, _, err := blockstore.WriteSelfReferential(bs,
		blockstore.WriteOptions{Type: blockfile.TypeEmailBatch, Encoding: blockfile.EncodingJSON},
		func(blockID int64) emailmodel.EmailBatchContent {
			return emailmodel.EmailBatchContent{BlockID: blockID, Emails: []emailmodel.StoredEmail{
				{LocalID: 0, EnvelopeHash: "h1", ContentHash: "c1", EmailBytes: []byte("hello")},
			}}
		})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	id := emailmodel.CompoundID{BlockID: blockID, LocalID: 0}
	idx.IndexEmail("<a@x>", "h1", "c1", id, 0, nil)

	clk.Advance(time.Duration(policy.MinAgeHoursForDeletion+1) * time.Hour)

	candidates, err := eng.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}
	for _, c := range candidates {
		if c.BlockID == blockID {
			t.Fatalf("expected a still-indexed EmailBatch block to never be a candidate, got %+v", candidates)
		}
	}
}

func TestCompactRemovesDeletedBlocksAndKeepsBackup(t *testing.T) {
	policy := DefaultPolicy()
	policy.FolderVersionsToKeep = 1
	eng, bf, _, folders, idx, clk := newTestEngine(t, policy)

	v1, _, v3 := threeGenerations(t, folders, idx)
	clk.Advance(time.Duration(policy.MinAgeHoursForDeletion+1) * time.Hour)

	candidates, err := eng.IdentifySuperseded()
	if err != nil {
		t.Fatalf("identify superseded: %v", err)
	}
	deletionSet := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		deletionSet[c.BlockID] = true
	}
	if !deletionSet[v1.FolderBlockID] || !deletionSet[v1.EnvelopeBlockID] {
		t.Fatalf("expected v1's blocks in the deletion set, got %+v", candidates)
	}

	result, err := eng.Compact(context.Background(), time.Time{}, deletionSet)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(result.DeletedBlocks) != len(deletionSet) {
		t.Fatalf("expected %d deleted blocks, got %d", len(deletionSet), len(result.DeletedBlocks))
	}
	if result.BackupPath == "" {
		t.Fatalf("expected a backup path to be reported")
	}

	reopened, _, err := blockfile.Open(bf.Path())
	if err != nil {
		t.Fatalf("reopen compacted file: %v", err)
	}
	defer reopened.Close()

	var remaining []int64
	if err := reopened.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		remaining = append(remaining, b.BlockID)
		return nil
	}); err != nil {
		t.Fatalf("scan compacted file: %v", err)
	}
	for _, id := range remaining {
		if deletionSet[id] {
			t.Fatalf("block %d should have been dropped by compaction but is still present", id)
		}
	}
	foundHead := false
	for _, id := range remaining {
		if id == v3.EnvelopeBlockID {
			foundHead = true
		}
	}
	if !foundHead {
		t.Fatalf("expected the live head's envelope block to survive compaction")
	}
}

func TestPolicySidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := SidecarPath(dir + "/db.emdb")

	loaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load missing sidecar: %v", err)
	}
	if loaded != DefaultPolicy() {
		t.Fatalf("expected DefaultPolicy when no sidecar exists, got %+v", loaded)
	}

	custom := Policy{MinAgeHoursForDeletion: 48, FolderVersionsToKeep: 10, KeyManagerVersionsToKeep: 2, BackupsToKeep: 1}
	if err := custom.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	reloaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded != custom {
		t.Fatalf("expected reloaded policy to match saved policy: got %+v want %+v", reloaded, custom)
	}
}
