package maintenance

import (
	"fmt"
	"sort"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/keystore"
	"github.com/Ap3pp3rs94/emaildb/internal/obslog"
)

// IndexReferenceChecker is the subset of IndexStore's read surface the
// safety gate consults.
type IndexReferenceChecker interface {
	ReferencesBlock(blockID int64) bool
}

// Candidate is a block MaintenanceEngine proposes for deletion, along with
// the source that flagged it (spec.md §4.10: "union of FolderStore-reported
// supersededs, orphan scan, old envelope versions beyond N, old KeyManager
// versions beyond the configured count").
type Candidate struct {
	BlockID int64
	Type    blockfile.BlockType
	Reason  string
}

// blockMeta is what Engine remembers about every block on a single scan
// pass, enough to run the safety gate without rescanning the file.
type blockMeta struct {
	id                int64
	typ               blockfile.BlockType
	timestamp         int64
	envelopeBlockID   int64  // set only for TypeFolder blocks
	previousBlockID   *int64 // set only for TypeFolderEnvelope/TypeKeyManager blocks
}

// Engine is MaintenanceEngine.
type Engine struct {
	bf      *blockfile.BlockFile
	bs      *blockstore.Store
	index   IndexReferenceChecker
	clk     clock.Clock
	log     obslog.Logger
	policy  Policy
}

// New builds an Engine over an already-open BlockFile/BlockStore/IndexStore.
func New(bf *blockfile.BlockFile, bs *blockstore.Store, index IndexReferenceChecker, clk clock.Clock, log obslog.Logger, policy Policy) *Engine {
	if log == nil {
		log = obslog.Nop{}
	}
	return &Engine{bf: bf, bs: bs, index: index, clk: clk, log: log, policy: policy.normalized()}
}

// scanBlocks walks every block once, returning the full metadata list plus
// the per-source candidate sets IdentifySuperseded needs. A block that
// fails to decode against its declared type is skipped rather than
// treated as a candidate; MaintenanceEngine never deletes what it cannot
// positively classify.
func (e *Engine) scanBlocks() ([]blockMeta, []Candidate, error) {
	type versionedBlock = struct {
		blockID int64
		version int
	}

	var all []blockMeta
	folderEnvByPath := make(map[string][]versionedBlock)
	folderByPath := make(map[string][]versionedBlock)
	var keyManagerVersions []versionedBlock
	var emailBatchIDs []int64

	err := e.bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		meta := blockMeta{id: b.BlockID, typ: b.Type, timestamp: b.Timestamp}

		switch b.Type {
		case blockfile.TypeFolderEnvelope:
			content, rerr := blockstore.Read[emailmodel.FolderEnvelopeContent](e.bs, b.BlockID)
			if rerr == nil {
				meta.previousBlockID = content.PreviousBlockID
				folderEnvByPath[content.FolderPath] = append(folderEnvByPath[content.FolderPath], versionedBlock{b.BlockID, content.Version})
			}
		case blockfile.TypeFolder:
			content, rerr := blockstore.Read[emailmodel.FolderContent](e.bs, b.BlockID)
			if rerr == nil {
				meta.envelopeBlockID = content.EnvelopeBlockID
				folderByPath[content.Name] = append(folderByPath[content.Name], versionedBlock{b.BlockID, content.Version})
			}
		case blockfile.TypeKeyManager:
			content, rerr := blockstore.Read[keystore.KeyManagerContent](e.bs, b.BlockID)
			if rerr == nil {
				meta.previousBlockID = content.PreviousBlockID
				keyManagerVersions = append(keyManagerVersions, versionedBlock{b.BlockID, content.Version})
			}
		case blockfile.TypeEmailBatch:
			emailBatchIDs = append(emailBatchIDs, b.BlockID)
		}

		all = append(all, meta)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var candidates []Candidate
	for path, versions := range folderEnvByPath {
		candidates = append(candidates, beyondRetention(versions, e.policy.FolderVersionsToKeep, blockfile.TypeFolderEnvelope,
			func(v int) string { return fmt.Sprintf("folder %q: envelope version %d beyond retention of %d", path, v, e.policy.FolderVersionsToKeep) })...)
	}
	for name, versions := range folderByPath {
		candidates = append(candidates, beyondRetention(versions, e.policy.FolderVersionsToKeep, blockfile.TypeFolder,
			func(v int) string { return fmt.Sprintf("folder %q: folder version %d beyond retention of %d", name, v, e.policy.FolderVersionsToKeep) })...)
	}
	candidates = append(candidates, beyondRetention(keyManagerVersions, e.policy.KeyManagerVersionsToKeep, blockfile.TypeKeyManager,
		func(v int) string { return fmt.Sprintf("key manager version %d beyond retention of %d", v, e.policy.KeyManagerVersionsToKeep) })...)

	for _, blockID := range emailBatchIDs {
		if !e.index.ReferencesBlock(blockID) {
			candidates = append(candidates, Candidate{BlockID: blockID, Type: blockfile.TypeEmailBatch, Reason: "no index entry references any email in this batch"})
		}
	}

	return all, candidates, nil
}

func beyondRetention(versions []struct {
	blockID int64
	version int
}, keepN int, typ blockfile.BlockType, reason func(int) string) []Candidate {
	sort.Slice(versions, func(i, j int) bool { return versions[i].version > versions[j].version })
	var out []Candidate
	for i, v := range versions {
		if i >= keepN {
			out = append(out, Candidate{BlockID: v.blockID, Type: typ, Reason: reason(v.version)})
		}
	}
	return out
}

// IdentifySuperseded returns every block that passes spec.md §4.10's
// four-part safety gate: (i) older than MinAgeHoursForDeletion, (ii) no
// index reference, (iii) no Folder block's envelope_block_id points to
// it, (iv) no other block's previous_block_id points to it. Checks
// (iii)/(iv) are evaluated against the retained set (everything not
// already a candidate from some other source), in one pass rather than
// an iterative fixed point — a block kept alive only by a reference from
// another soon-to-be-deleted block is treated as still referenced this
// round and is swept on the next maintenance pass instead.
func (e *Engine) IdentifySuperseded() ([]Candidate, error) {
	all, raw, err := e.scanBlocks()
	if err != nil {
		return nil, err
	}

	candidateSet := make(map[int64]bool, len(raw))
	for _, c := range raw {
		candidateSet[c.BlockID] = true
	}

	retainedEnvelopeTargets := make(map[int64]bool)
	retainedPreviousTargets := make(map[int64]bool)
	for _, m := range all {
		if candidateSet[m.id] {
			continue
		}
		if m.typ == blockfile.TypeFolder && m.envelopeBlockID != 0 {
			retainedEnvelopeTargets[m.envelopeBlockID] = true
		}
		if m.previousBlockID != nil {
			retainedPreviousTargets[*m.previousBlockID] = true
		}
	}

	minAge := time.Duration(e.policy.MinAgeHoursForDeletion) * time.Hour
	now := e.clk.Now()

	var passed []Candidate
	for _, c := range raw {
		age := now.Sub(time.Unix(0, blockTimestamp(all, c.BlockID)))
		if age < minAge {
			continue
		}
		if e.index.ReferencesBlock(c.BlockID) {
			continue
		}
		if retainedEnvelopeTargets[c.BlockID] {
			continue
		}
		if retainedPreviousTargets[c.BlockID] {
			continue
		}
		passed = append(passed, c)
	}
	return passed, nil
}

func blockTimestamp(all []blockMeta, id int64) int64 {
	for _, m := range all {
		if m.id == id {
			return m.timestamp
		}
	}
	return 0
}
