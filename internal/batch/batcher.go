package batch

import (
	"sync"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/obsmetrics"
)

// DedupIndex is the subset of IndexStore's read surface the batcher needs
// to check envelope-hash collisions before enqueueing.
type DedupIndex interface {
	LookupByEnvelopeHash(hash string) (emailmodel.CompoundID, bool)
	LookupByContentHash(hash string) (emailmodel.CompoundID, bool)
}

// DefaultMaxPendingAge is the periodic-flush deadline spec.md §4.6
// suggests ("e.g. 5 min").
const DefaultMaxPendingAge = 5 * time.Minute

type pendingEmail struct {
	envelopeHash string
	contentHash  string
	emailBytes   []byte
}

// EnqueueResult reports what happened to one Enqueue call.
type EnqueueResult struct {
	CompoundID    emailmodel.CompoundID
	Deduplicated  bool // true if an existing email was returned instead of a new one being queued
	Collision     bool // true if Deduplicated but the content hash disagreed
	Flushed       bool // true if this call flushed the batch holding this email (CompoundID is then final)
	FlushBlockID  int64
}

// Batcher implements spec.md §4.6's EmailBatcher: it accumulates emails
// in memory, assigns local ids in insertion order, and periodically
// flushes them into a single EmailBatch block.
type Batcher struct {
	bs      *blockstore.Store
	dedup   DedupIndex
	clk     clock.Clock
	metrics obsmetrics.MetricsSink

	dbSizeBytes func() int64
	maxAge      time.Duration

	compressionID uint8
	encryptionID  uint8
	keyID         string

	mu           sync.Mutex
	pending      []pendingEmail
	pendingBytes int64
	firstEnqueue time.Time

	onFlush func(blockID int64, content emailmodel.EmailBatchContent)
}

// SetFlushListener registers fn to run synchronously, still holding the
// pending lock, whenever a flush completes — whether triggered by
// Enqueue's own soft-cap/oversized-email checks, FlushIfStale, or an
// explicit Flush call. Coordinator uses this to commit FolderStore/
// IndexStore writes for a batch the instant its block id is real, rather
// than guessing at a provisional one.
func (b *Batcher) SetFlushListener(fn func(blockID int64, content emailmodel.EmailBatchContent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFlush = fn
}

// Option configures a Batcher at construction time.
type Option func(*Batcher)

// WithMaxPendingAge overrides DefaultMaxPendingAge.
func WithMaxPendingAge(d time.Duration) Option {
	return func(b *Batcher) { b.maxAge = d }
}

// WithMetrics attaches a metrics sink for collision reporting.
func WithMetrics(m obsmetrics.MetricsSink) Option {
	return func(b *Batcher) { b.metrics = m }
}

// WithWriteDefaults sets the compression/encryption applied to every
// EmailBatch block this Batcher flushes. Zero values mean uncompressed,
// unencrypted.
func WithWriteDefaults(compressionID, encryptionID uint8, keyID string) Option {
	return func(b *Batcher) {
		b.compressionID = compressionID
		b.encryptionID = encryptionID
		b.keyID = keyID
	}
}

// New builds a Batcher. dbSizeBytes is consulted on every soft-cap check
// so the target block size tracks AdaptiveSizer as the database grows.
func New(bs *blockstore.Store, dedup DedupIndex, clk clock.Clock, dbSizeBytes func() int64, opts ...Option) *Batcher {
	b := &Batcher{
		bs:          bs,
		dedup:       dedup,
		clk:         clk,
		metrics:     obsmetrics.Nop{},
		dbSizeBytes: dbSizeBytes,
		maxAge:      DefaultMaxPendingAge,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue deduplicates envelopeHash against the index, then appends
// emailBytes to the pending batch, flushing first if the soft cap would
// be exceeded or the email alone exceeds the target size. The returned
// CompoundID is final only when Flushed is true; otherwise its BlockID is
// provisional (the batch's next block id) and LocalID is the position the
// email will occupy within that batch.
func (b *Batcher) Enqueue(envelopeHash, contentHash string, emailBytes []byte) (EnqueueResult, error) {
	if existing, ok := b.dedup.LookupByEnvelopeHash(envelopeHash); ok {
		res := EnqueueResult{CompoundID: existing, Deduplicated: true}
		if byContent, ok := b.dedup.LookupByContentHash(contentHash); !ok || byContent != existing {
			res.Collision = true
			b.metrics.IncCounter("emaildb.batch.envelope_collisions", 1, nil)
		}
		return res, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target := TargetBlockSize(b.dbSizeBytes())
	emailSize := int64(len(emailBytes))

	if len(b.pending) > 0 && (b.pendingBytes+emailSize > softCap(target) || emailSize > target) {
		if _, _, err := b.flushLocked(); err != nil {
			return EnqueueResult{}, err
		}
	}

	if len(b.pending) == 0 {
		b.firstEnqueue = b.clk.Now()
	}

	localID := len(b.pending)
	b.pending = append(b.pending, pendingEmail{envelopeHash: envelopeHash, contentHash: contentHash, emailBytes: emailBytes})
	b.pendingBytes += emailSize

	// A single email already over target is written as its own one-email
	// block immediately; it is never held pending alongside others.
	if emailSize > target || b.pendingBytes > softCap(target) {
		blockID, _, err := b.flushLocked()
		if err != nil {
			return EnqueueResult{}, err
		}
		return EnqueueResult{
			CompoundID:   emailmodel.CompoundID{BlockID: blockID, LocalID: localID},
			Flushed:      true,
			FlushBlockID: blockID,
		}, nil
	}

	return EnqueueResult{
		CompoundID: emailmodel.CompoundID{BlockID: b.provisionalBlockID(), LocalID: localID},
	}, nil
}

// provisionalBlockID reports the block id the next flush will assign,
// mirroring blockstore.Store's own counter without exporting it.
func (b *Batcher) provisionalBlockID() int64 {
	return b.bs.PeekNextBlockID()
}

func softCap(target int64) int64 {
	return target + target/10 // 1.1x
}

// Flush writes exactly one EmailBatch block from whatever is pending and
// clears pending state. It is a no-op returning (0, false, nil) if there
// is nothing pending.
func (b *Batcher) Flush() (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0, false, nil
	}
	blockID, _, err := b.flushLocked()
	if err != nil {
		return 0, false, err
	}
	return blockID, true, nil
}

// FlushIfStale flushes pending emails older than maxAge. Returns false if
// nothing was pending or the pending batch was not yet stale.
func (b *Batcher) FlushIfStale() (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0, false, nil
	}
	if b.clk.Now().Sub(b.firstEnqueue) < b.maxAge {
		return 0, false, nil
	}
	blockID, _, err := b.flushLocked()
	if err != nil {
		return 0, false, err
	}
	return blockID, true, nil
}

// PendingCount reports the number of emails currently buffered.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// flushLocked must be called with b.mu held. It builds the self-referential
// EmailBatchContent, writes it, and clears pending state.
func (b *Batcher) flushLocked() (int64, emailmodel.EmailBatchContent, error) {
	pending := b.pending
	opts := blockstore.WriteOptions{
		Type:          blockfile.TypeEmailBatch,
		Encoding:      blockfile.EncodingJSON,
		CompressionID: b.compressionID,
		EncryptionID:  b.encryptionID,
		KeyID:         b.keyID,
	}
	blockID, content, err := blockstore.WriteSelfReferential(b.bs, opts, func(blockID int64) emailmodel.EmailBatchContent {
		emails := make([]emailmodel.StoredEmail, len(pending))
		for i, p := range pending {
			emails[i] = emailmodel.StoredEmail{
				LocalID:      i,
				EnvelopeHash: p.envelopeHash,
				ContentHash:  p.contentHash,
				EmailBytes:   p.emailBytes,
			}
		}
		return emailmodel.EmailBatchContent{BlockID: blockID, Emails: emails}
	})
	if err != nil {
		return 0, emailmodel.EmailBatchContent{}, err
	}

	b.pending = nil
	b.pendingBytes = 0
	b.firstEnqueue = time.Time{}

	if b.onFlush != nil {
		b.onFlush(blockID, content)
	}

	return blockID, content, nil
}
