// Package coordinator implements spec.md §4.9: the transaction-like
// multi-block operations (import, move, delete) that sequence
// EmailBatcher, FolderStore, and IndexStore, never mutating anything in
// place and never leaving the index out of sync with a written block
// without marking it suspect.
package coordinator

import (
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/batch"
	"github.com/Ap3pp3rs94/emaildb/internal/canonicalhash"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/emlparse"
	"github.com/Ap3pp3rs94/emaildb/internal/folderstore"
	"github.com/Ap3pp3rs94/emaildb/internal/indexstore"
	"github.com/Ap3pp3rs94/emaildb/internal/obslog"
	"github.com/Ap3pp3rs94/emaildb/internal/obsmetrics"
	"github.com/Ap3pp3rs94/emaildb/internal/search"
)

// pendingFolderEntry is an import that EmailBatcher has accepted but whose
// block is not yet durable, so it cannot be committed to FolderStore/
// IndexStore yet without risking a write landing between its provisional
// id's promise and the batch's eventual flush.
type pendingFolderEntry struct {
	id           emailmodel.CompoundID
	folderPath   string
	envelope     emailmodel.EmailEnvelope
	messageID    string
	envelopeHash string
	contentHash  string
	terms        []string
}

// Coordinator sequences Import/Move/Delete across EmailBatcher,
// FolderStore, and IndexStore per spec.md §4.9's ordering and failure
// rules.
type Coordinator struct {
	batcher *batch.Batcher
	folders *folderstore.Store
	index   *indexstore.Store
	clk     clock.Clock
	log     obslog.Logger
	metrics obsmetrics.MetricsSink

	mu      sync.Mutex
	pending []pendingFolderEntry
}

// New builds a Coordinator over already-open components. Callers must
// also wire batcher.SetFlushListener(coord.OnBatchFlushed) once the
// Coordinator exists, so deferred imports get committed the moment their
// batch becomes durable.
func New(batcher *batch.Batcher, folders *folderstore.Store, index *indexstore.Store, clk clock.Clock, log obslog.Logger, metrics obsmetrics.MetricsSink) *Coordinator {
	if log == nil {
		log = obslog.Nop{}
	}
	if metrics == nil {
		metrics = obsmetrics.Nop{}
	}
	return &Coordinator{batcher: batcher, folders: folders, index: index, clk: clk, log: log, metrics: metrics}
}

// Import is ImportBatch for a single message; see ImportBatch for the
// ordering and failure rules spec.md §4.9 defines.
func (c *Coordinator) Import(rawEML []byte, folderPath string) (emailmodel.CompoundID, error) {
	ids, err := c.ImportBatch([][]byte{rawEML}, folderPath)
	if err != nil {
		return emailmodel.CompoundID{}, err
	}
	return ids[0], nil
}

// ImportBatch enqueues every message in rawEMLs with EmailBatcher. A
// single-message call (Import) leaves its entry for EmailBatcher's own
// soft-cap/oversized-email/periodic-flush rules to decide when it becomes
// durable, so repeated Import calls can still share one EmailBatch block
// (spec.md §4.6: "exactly one EmailBatch block" for a run of imports, per
// scenario S1). A multi-message call is an explicit request for batch
// durability, so it flushes before returning. Either way, the moment a
// batch actually flushes — by this call, by a later one, or by a caller
// flushing EmailBatcher directly — OnBatchFlushed commits every import
// still waiting on that block into FolderStore and IndexStore. A deferred
// CompoundID's BlockID is provisional until then.
func (c *Coordinator) ImportBatch(rawEMLs [][]byte, folderPath string) ([]emailmodel.CompoundID, error) {
	ids := make([]emailmodel.CompoundID, len(rawEMLs))
	var deferred []pendingFolderEntry

	for i, raw := range rawEMLs {
		parsed, err := emlparse.Parse(raw)
		if err != nil {
			return nil, err
		}
		envelopeHash := canonicalhash.EnvelopeHash(canonicalhash.EnvelopeFields{
			MessageID: parsed.MessageID,
			From:      parsed.From,
			To:        parsed.To,
			Date:      parsed.Date,
			Subject:   parsed.Subject,
			Size:      int64(len(raw)),
		})
		contentHash := canonicalhash.ContentHash(parsed.Headers, parsed.Body)

		enqueued, err := c.batcher.Enqueue(envelopeHash, contentHash, raw)
		if err != nil {
			return nil, err
		}
		if enqueued.Deduplicated {
			if enqueued.Collision {
				c.log.Warn("envelope hash collision on import", map[string]any{
					"envelope_hash": envelopeHash,
					"existing_id":   enqueued.CompoundID.String(),
				})
			}
			ids[i] = enqueued.CompoundID
			continue
		}
		ids[i] = enqueued.CompoundID

		entry := pendingFolderEntry{
			id:         enqueued.CompoundID,
			folderPath: folderPath,
			envelope: emailmodel.EmailEnvelope{
				CompoundID:     enqueued.CompoundID,
				MessageID:      parsed.MessageID,
				Subject:        parsed.Subject,
				From:           parsed.From,
				To:             parsed.To,
				Date:           parsed.Date,
				Size:           int64(len(raw)),
				HasAttachments: false,
				EnvelopeHash:   envelopeHash,
			},
			messageID:    parsed.MessageID,
			envelopeHash: envelopeHash,
			contentHash:  contentHash,
			terms:        search.Tokenize(parsed.Subject + " " + string(parsed.Body) + " " + parsed.From + " " + joinStrings(parsed.To)),
		}

		if enqueued.Flushed {
			// This email alone exceeded the target size and was already
			// written as its own block: it is durable right now, so
			// finalize it and report any failure straight back to this
			// call rather than waiting on OnBatchFlushed.
			if err := c.finalizeOne(entry); err != nil {
				return ids, err
			}
			continue
		}
		deferred = append(deferred, entry)
	}

	if len(deferred) > 0 {
		c.mu.Lock()
		c.pending = append(c.pending, deferred...)
		c.mu.Unlock()
	}

	if len(rawEMLs) > 1 && len(deferred) > 0 {
		if _, _, err := c.batcher.Flush(); err != nil {
			return ids, err
		}
	}

	return ids, nil
}

// OnBatchFlushed is EmailBatcher's flush listener (wired by New's caller):
// it commits every pending import whose provisional block id matches the
// block that just became durable. It never touches an import whose batch
// hasn't flushed, so a FolderStore write here can never land between some
// other batch's enqueue and its own eventual flush.
func (c *Coordinator) OnBatchFlushed(blockID int64, _ emailmodel.EmailBatchContent) {
	c.mu.Lock()
	var due, rest []pendingFolderEntry
	for _, pf := range c.pending {
		if pf.id.BlockID == blockID {
			due = append(due, pf)
		} else {
			rest = append(rest, pf)
		}
	}
	c.pending = rest
	c.mu.Unlock()

	for _, pf := range due {
		_ = c.finalizeOne(pf)
	}
}

// finalizeOne writes pf's envelope into its folder and indexes it. pf's
// EmailBatch block is already durable by the time this runs, so a failure
// here matches spec.md §4.9's "already flushed" branch: the folder add is
// retried once, and if that also fails the index is marked suspect and the
// email stays in its EmailBatch block without a folder. No folder add is
// attempted later, and an index rebuild does not attach the email to any
// folder. There is no "not yet flushed, discard"
// branch to implement — Coordinator never attempts this write before the
// block is durable, so that failure mode cannot occur.
func (c *Coordinator) finalizeOne(pf pendingFolderEntry) error {
	mut, err := c.folders.AddEmail(pf.folderPath, pf.id, pf.envelope)
	if err != nil {
		mut, err = c.folders.AddEmail(pf.folderPath, pf.id, pf.envelope)
	}
	if err != nil {
		c.log.Error("folder add failed twice after batch flush; email is orphaned", map[string]any{
			"compound_id": pf.id.String(), "folder": pf.folderPath, "error": err.Error(),
		})
		c.index.MarkSuspect()
		return err
	}
	c.index.IndexEmail(pf.messageID, pf.envelopeHash, pf.contentHash, pf.id, mut.NewHead.EnvelopeBlockID, pf.terms)
	c.index.IndexFolder(pf.folderPath, mut.NewHead.FolderBlockID, mut.NewHead.EnvelopeBlockID)
	return nil
}

// flushPending makes any import EmailBatcher is still accumulating
// durable. Move and Delete write Folder/FolderEnvelope blocks directly, so
// they call this first: doing so while a batch is still pending would
// consume the block id EmailBatcher already promised that batch.
func (c *Coordinator) flushPending() error {
	if c.batcher.PendingCount() == 0 {
		return nil
	}
	_, _, err := c.batcher.Flush()
	return err
}

// Move removes id from src and adds it to dst as two folder updates under
// one logical operation. If the add to dst fails after the remove from
// src succeeded, a compensating update reintroduces the email to src (a
// third versioned block, never an in-place undo).
func (c *Coordinator) Move(id emailmodel.CompoundID, srcFolder, dstFolder string) error {
	if err := c.flushPending(); err != nil {
		return err
	}

	envelopes, err := c.folders.ListEnvelopes(srcFolder)
	if err != nil {
		return err
	}
	var envelope emailmodel.EmailEnvelope
	found := false
	for _, e := range envelopes {
		if e.CompoundID == id {
			envelope = e
			found = true
			break
		}
	}
	if !found {
		return emailerr.New(emailerr.NotFound, "email %s not found in folder %q", id, srcFolder)
	}

	removeMut, err := c.folders.RemoveEmail(srcFolder, id)
	if err != nil {
		return err
	}
	c.index.IndexFolder(srcFolder, removeMut.NewHead.FolderBlockID, removeMut.NewHead.EnvelopeBlockID)

	addMut, err := c.folders.AddEmail(dstFolder, id, envelope)
	if err != nil {
		c.log.Error("move: add to destination failed after remove from source, compensating", map[string]any{
			"compound_id": id.String(), "src": srcFolder, "dst": dstFolder, "error": err.Error(),
		})
		compMut, cerr := c.folders.AddEmail(srcFolder, id, envelope)
		if cerr != nil {
			// Compensation itself failed: surface both errors via the
			// original, leaving the email visible in neither folder; an
			// index rebuild does not attach it to any folder.
			return emailerr.Wrap(emailerr.Internal, err, "move failed and compensating re-add to %q also failed: %v", srcFolder, cerr)
		}
		c.index.IndexFolder(srcFolder, compMut.NewHead.FolderBlockID, compMut.NewHead.EnvelopeBlockID)
		c.index.UpdateEnvelopeBlock(id, compMut.NewHead.EnvelopeBlockID)
		return err
	}
	c.index.IndexFolder(dstFolder, addMut.NewHead.FolderBlockID, addMut.NewHead.EnvelopeBlockID)
	c.index.UpdateEnvelopeBlock(id, addMut.NewHead.EnvelopeBlockID)

	return nil
}

// Delete logically removes id from folderPath: a new FolderEnvelope/Folder
// pair is written without that email; the email's stored bytes remain on
// disk until compaction. Real removal happens only during MaintenanceEngine
// compaction (spec.md §4.10).
func (c *Coordinator) Delete(id emailmodel.CompoundID, folderPath string) error {
	if err := c.flushPending(); err != nil {
		return err
	}

	mut, err := c.folders.RemoveEmail(folderPath, id)
	if err != nil {
		return err
	}
	c.index.IndexFolder(folderPath, mut.NewHead.FolderBlockID, mut.NewHead.EnvelopeBlockID)
	return nil
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
