// Package emaildb wires BlockFile, PayloadCodec, KeyStore, BlockStore,
// EmailBatcher, FolderStore, IndexStore, Coordinator, MaintenanceEngine,
// VersionManager, and SearchEngine into the single embedded-archive
// interface a host program opens a database through.
package emaildb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/batch"
	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/coordinator"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/folderstore"
	"github.com/Ap3pp3rs94/emaildb/internal/indexstore"
	"github.com/Ap3pp3rs94/emaildb/internal/keystore"
	"github.com/Ap3pp3rs94/emaildb/internal/maintenance"
	"github.com/Ap3pp3rs94/emaildb/internal/obslog"
	"github.com/Ap3pp3rs94/emaildb/internal/obsmetrics"
	"github.com/Ap3pp3rs94/emaildb/internal/payloadcodec"
	"github.com/Ap3pp3rs94/emaildb/internal/search"
	"github.com/Ap3pp3rs94/emaildb/internal/version"
)

// DefaultCacheBudgetBytes is the BlockStore LRU budget used when Options
// leaves CacheBudgetBytes at zero.
const DefaultCacheBudgetBytes = 16 << 20

// Options configures Open. A zero Options opens (or creates) an
// unencrypted database with LZ4 compression and sane defaults for
// everything else.
type Options struct {
	// Passphrase, if non-empty, bootstraps KeyStore on a fresh database
	// or unlocks it on an existing one. Leaving it empty opens the
	// database without encryption: new writes go out with EncryptionNone
	// regardless of CompressionID.
	Passphrase []byte

	// CompressionID is the default compression algorithm new writes use.
	// Zero, which is payloadcodec.CompressionNone, selects the default
	// payloadcodec.CompressionLZ4, so this field cannot switch compression
	// off.
	CompressionID uint8

	// CacheBudgetBytes bounds BlockStore's decoded-value LRU. Defaults to
	// DefaultCacheBudgetBytes.
	CacheBudgetBytes int64

	// IndexSidecarPath overrides the SQLite sidecar location. Defaults to
	// "<path>.index.db".
	IndexSidecarPath string

	// MaintenancePolicy overrides the policy loaded from
	// maintenance.SidecarPath(path). A nil value loads that sidecar (or
	// maintenance.DefaultPolicy if it doesn't exist yet).
	MaintenancePolicy *maintenance.Policy

	Logger  obslog.Logger
	Metrics obsmetrics.MetricsSink
}

// Email is a fully materialized stored message: its envelope metadata
// plus the raw EML bytes, assembled from an EmailBatch block (spec.md
// §6's get_email).
type Email struct {
	CompoundID emailmodel.CompoundID
	Envelope   emailmodel.EmailEnvelope
	Bytes      []byte
}

// SearchHit is one ranked, envelope-only search result.
type SearchHit struct {
	CompoundID emailmodel.CompoundID
	Envelope   emailmodel.EmailEnvelope
	Score      float64
}

// SortOrder controls ListFolder's output ordering.
type SortOrder int

const (
	SortNone SortOrder = iota
	SortByDateAscending
	SortByDateDescending
	SortBySubject
)

// Stats summarizes a database's current state (spec.md §6's stats()).
type Stats struct {
	FileSizeBytes     int64
	BlockCountsByType map[string]int
	EmailCount        int
	FolderCount       int
	SupersededBytes   int64
}

// Engine is an opened database: the single entry point a host program
// holds onto for the lifetime of the connection.
type Engine struct {
	path  string
	bf    *blockfile.BlockFile
	bs    *blockstore.Store
	codec *payloadcodec.Codec
	keys  *keystore.Store

	cacheBudgetBytes int64

	folders      *folderstore.Store
	index        *indexstore.Store
	indexSidecar *indexstore.SQLiteSidecar
	batcher      *batch.Batcher
	coord        *coordinator.Coordinator
	maint        *maintenance.Engine
	ver          *version.Manager
	search       *search.Engine

	clk clock.Clock
	log obslog.Logger

	defaultCompressionID uint8
	defaultEncryptionID  uint8
	dataKeyID            string
	policy               maintenance.Policy
	policyPath           string
}

// Open opens the database at path, creating it if absent, and returns an
// Engine ready to serve Import/GetEmail/ListFolder/Search/Move/Delete/
// Stats/RunMaintenance/Compact/VerifyIntegrity.
func Open(path string, opts Options) (*Engine, error) {
	bf, _, err := blockfile.Open(path)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = obslog.Nop{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = obsmetrics.Nop{}
	}
	clk := clock.System{}
	codec := payloadcodec.New()
	keys := keystore.New(clk)

	cacheBudget := opts.CacheBudgetBytes
	if cacheBudget <= 0 {
		cacheBudget = DefaultCacheBudgetBytes
	}
	bs := blockstore.Open(bf, codec, keys, clk, cacheBudget)

	ver, err := version.Open(bs)
	if err != nil {
		bf.Close()
		return nil, err
	}

	defaultCompressionID := opts.CompressionID
	if defaultCompressionID == 0 {
		defaultCompressionID = payloadcodec.CompressionLZ4
	}
	var defaultEncryptionID uint8
	var dataKeyID string

	kxs, latestKM, hasKeyManager, scanErr := scanKeyBlocks(bf, bs)
	if scanErr != nil {
		bf.Close()
		return nil, scanErr
	}

	switch {
	case len(kxs) == 0 && len(opts.Passphrase) > 0:
		kx, km, berr := keys.Bootstrap(keystore.MethodPassword, opts.Passphrase,
			payloadcodec.EncryptionAES256GCM, payloadcodec.EncryptionAES256GCM)
		if berr != nil {
			bf.Close()
			return nil, berr
		}
		if _, werr := blockstore.Write(bs, blockstore.WriteOptions{Type: blockfile.TypeKeyExchange, Encoding: blockfile.EncodingJSON}, kx); werr != nil {
			bf.Close()
			return nil, werr
		}
		if _, werr := blockstore.Write(bs, blockstore.WriteOptions{Type: blockfile.TypeKeyManager, Encoding: blockfile.EncodingJSON}, km); werr != nil {
			bf.Close()
			return nil, werr
		}
		defaultEncryptionID = payloadcodec.EncryptionAES256GCM
		dataKeyID, _, _ = keys.LatestForPurpose(keystore.PurposeDataEncryption)

	case len(kxs) > 0 && len(opts.Passphrase) > 0:
		if !hasKeyManager {
			bf.Close()
			return nil, emailerr.New(emailerr.Internal, "key exchange blocks present without a key manager block")
		}
		if err := keys.Unlock(kxs, opts.Passphrase, latestKM); err != nil {
			bf.Close()
			return nil, err
		}
		_, algo, perr := keys.LatestForPurpose(keystore.PurposeDataEncryption)
		if perr == nil {
			defaultEncryptionID = algo
		}
		dataKeyID, _, _ = keys.LatestForPurpose(keystore.PurposeDataEncryption)

	default:
		// No passphrase given: either a brand-new unencrypted database, or
		// an existing encrypted one being opened locked (reads of
		// encrypted blocks will fail with AuthTagMismatch/BadCredential
		// until Unlock is called separately).
	}

	folders := folderstore.New(bs, clk, folderstore.WithWriteDefaults(defaultCompressionID, defaultEncryptionID, dataKeyID))
	if err := folders.Rebuild(bf); err != nil {
		bf.Close()
		return nil, err
	}

	index := indexstore.New()
	sidecarPath := opts.IndexSidecarPath
	if sidecarPath == "" {
		sidecarPath = path + ".index.db"
	}
	sidecar, err := indexstore.OpenSidecar(sidecarPath)
	if err != nil {
		bf.Close()
		return nil, err
	}
	lastBlockID := bs.PeekNextBlockID() - 1
	ctx := context.Background()
	if lastBlockID < 0 || sidecar.Load(ctx, index, lastBlockID) != nil {
		if err := index.Rebuild(bf, bs, search.Tokenize); err != nil {
			sidecar.Close()
			bf.Close()
			return nil, err
		}
		if lastBlockID >= 0 {
			if err := sidecar.Save(ctx, index, lastBlockID); err != nil {
				log.Warn("index sidecar save failed after rebuild", map[string]any{"error": err.Error()})
			}
		}
	}

	policy := maintenance.DefaultPolicy()
	policyPath := maintenance.SidecarPath(path)
	if opts.MaintenancePolicy != nil {
		policy = *opts.MaintenancePolicy
	} else if loaded, perr := maintenance.LoadPolicy(policyPath); perr == nil {
		policy = loaded
	}

	batcher := batch.New(bs, index, clk, func() int64 { return bf.Size() },
		batch.WithMetrics(metrics),
		batch.WithWriteDefaults(defaultCompressionID, defaultEncryptionID, dataKeyID))
	coord := coordinator.New(batcher, folders, index, clk, log, metrics)
	batcher.SetFlushListener(coord.OnBatchFlushed)
	maint := maintenance.New(bf, bs, index, clk, log, policy)
	searchEngine := search.New(index, bs, nil)

	return &Engine{
		path: path, bf: bf, bs: bs, codec: codec, keys: keys, cacheBudgetBytes: cacheBudget,
		folders: folders, index: index, indexSidecar: sidecar,
		batcher: batcher, coord: coord, maint: maint, ver: ver, search: searchEngine,
		clk: clk, log: log,
		defaultCompressionID: defaultCompressionID, defaultEncryptionID: defaultEncryptionID,
		dataKeyID: dataKeyID, policy: policy, policyPath: policyPath,
	}, nil
}

// scanKeyBlocks walks bf once collecting every KeyExchange block and the
// highest-version KeyManager block, mirroring the replay MaintenanceEngine
// and FolderStore.Rebuild already do for their own block types.
func scanKeyBlocks(bf *blockfile.BlockFile, bs *blockstore.Store) (kxs []keystore.KeyExchangeContent, latestKM keystore.KeyManagerContent, hasKM bool, err error) {
	bestVersion := -1
	scanErr := bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		switch b.Type {
		case blockfile.TypeKeyExchange:
			content, rerr := blockstore.Read[keystore.KeyExchangeContent](bs, b.BlockID)
			if rerr == nil {
				kxs = append(kxs, content)
			}
		case blockfile.TypeKeyManager:
			content, rerr := blockstore.Read[keystore.KeyManagerContent](bs, b.BlockID)
			if rerr == nil && content.Version > bestVersion {
				bestVersion = content.Version
				latestKM = content
				hasKM = true
			}
		}
		return nil
	})
	if scanErr != nil {
		return nil, keystore.KeyManagerContent{}, false, scanErr
	}
	return kxs, latestKM, hasKM, nil
}

// Close flushes any pending batch and releases the underlying file
// handles.
func (e *Engine) Close() error {
	if _, _, err := e.batcher.Flush(); err != nil {
		e.log.Warn("flush on close failed", map[string]any{"error": err.Error()})
	}
	if e.indexSidecar != nil {
		e.indexSidecar.Close()
	}
	return e.bf.Close()
}

// Import stores rawEML into folderPath, deduplicating by envelope+content
// hash (spec.md §6's import()).
func (e *Engine) Import(rawEML []byte, folderPath string) (emailmodel.CompoundID, error) {
	return e.coord.Import(rawEML, folderPath)
}

// ImportBatch stores every message in rawEMLs into folderPath, sharing one
// EmailBatch block across all non-duplicate messages where the soft cap
// allows it.
func (e *Engine) ImportBatch(rawEMLs [][]byte, folderPath string) ([]emailmodel.CompoundID, error) {
	return e.coord.ImportBatch(rawEMLs, folderPath)
}

// GetEmail assembles the full Email (envelope plus raw bytes) for id.
func (e *Engine) GetEmail(id emailmodel.CompoundID) (Email, error) {
	envBlockID, ok := e.index.EnvelopeBlockIDForCompound(id)
	if !ok {
		return Email{}, emailerr.New(emailerr.NotFound, "no envelope indexed for %s", id)
	}
	envContent, err := blockstore.Read[emailmodel.FolderEnvelopeContent](e.bs, envBlockID)
	if err != nil {
		return Email{}, err
	}
	var envelope emailmodel.EmailEnvelope
	found := false
	for _, env := range envContent.Envelopes {
		if env.CompoundID == id {
			envelope = env
			found = true
			break
		}
	}
	if !found {
		return Email{}, emailerr.New(emailerr.NotFound, "email %s not present in its indexed envelope block", id)
	}

	batchContent, err := blockstore.Read[emailmodel.EmailBatchContent](e.bs, id.BlockID)
	if err != nil {
		return Email{}, err
	}
	for _, stored := range batchContent.Emails {
		if stored.LocalID == id.LocalID {
			return Email{CompoundID: id, Envelope: envelope, Bytes: stored.EmailBytes}, nil
		}
	}
	return Email{}, emailerr.New(emailerr.NotFound, "local id %d not present in batch block %d", id.LocalID, id.BlockID)
}

// ListFolder returns folderPath's current envelopes, sorted per sort and
// paginated by limit/offset. limit <= 0 means no limit.
func (e *Engine) ListFolder(folderPath string, order SortOrder, limit, offset int) ([]emailmodel.EmailEnvelope, error) {
	envelopes, err := e.folders.ListEnvelopes(folderPath)
	if err != nil {
		return nil, err
	}

	switch order {
	case SortByDateAscending:
		sort.SliceStable(envelopes, func(i, j int) bool { return envelopes[i].Date < envelopes[j].Date })
	case SortByDateDescending:
		sort.SliceStable(envelopes, func(i, j int) bool { return envelopes[i].Date > envelopes[j].Date })
	case SortBySubject:
		sort.SliceStable(envelopes, func(i, j int) bool { return envelopes[i].Subject < envelopes[j].Subject })
	}

	if offset > 0 {
		if offset >= len(envelopes) {
			return nil, nil
		}
		envelopes = envelopes[offset:]
	}
	if limit > 0 && limit < len(envelopes) {
		envelopes = envelopes[:limit]
	}
	return envelopes, nil
}

// Search runs a full-text query over indexed subject/body/from/to terms
// and returns up to limit scored hits.
func (e *Engine) Search(query string, limit int) ([]SearchHit, error) {
	hits, err := e.search.Query(query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{CompoundID: h.CompoundID, Envelope: h.Envelope, Score: h.Score}
	}
	return out, nil
}

// Move relocates id from srcFolder to dstFolder.
func (e *Engine) Move(id emailmodel.CompoundID, srcFolder, dstFolder string) error {
	return e.coord.Move(id, srcFolder, dstFolder)
}

// Delete logically removes id from folderPath; its stored bytes remain on
// disk until Compact.
func (e *Engine) Delete(id emailmodel.CompoundID, folderPath string) error {
	return e.coord.Delete(id, folderPath)
}

// Stats reports file size, per-type block counts, and email/folder
// counts.
func (e *Engine) Stats() (Stats, error) {
	info, err := os.Stat(e.path)
	if err != nil {
		return Stats{}, emailerr.Wrap(emailerr.IoError, err, "stat %s", e.path)
	}

	candidates, err := e.maint.IdentifySuperseded()
	if err != nil {
		return Stats{}, err
	}
	candidateSet := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		candidateSet[c.BlockID] = true
	}

	counts := make(map[string]int)
	emailCount := 0
	var supersededBytes int64
	if err := e.bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		counts[b.Type.String()]++
		if candidateSet[b.BlockID] {
			supersededBytes += loc.Length
		}
		if b.Type == blockfile.TypeEmailBatch {
			content, rerr := blockstore.Read[emailmodel.EmailBatchContent](e.bs, b.BlockID)
			if rerr == nil {
				emailCount += len(content.Emails)
			}
		}
		return nil
	}); err != nil {
		return Stats{}, err
	}

	return Stats{
		FileSizeBytes:     info.Size(),
		BlockCountsByType: counts,
		EmailCount:        emailCount,
		FolderCount:       len(e.folders.Folders()),
		SupersededBytes:   supersededBytes,
	}, nil
}

// RunMaintenance identifies superseded blocks under policy and returns
// them without deleting anything. It also makes policy the engine's
// current policy; Compact then identifies the candidates again under that
// policy and removes all of them to actually reclaim space.
func (e *Engine) RunMaintenance(policy maintenance.Policy) ([]maintenance.Candidate, error) {
	e.maint = maintenance.New(e.bf, e.bs, e.index, e.clk, e.log, policy)
	e.policy = policy
	if err := policy.Save(e.policyPath); err != nil {
		e.log.Warn("persist maintenance policy failed", map[string]any{"error": err.Error()})
	}
	return e.maint.IdentifySuperseded()
}

// Compact identifies superseded blocks under the engine's current policy,
// rewrites the file without them, and rebuilds FolderStore/IndexStore
// against the compacted file. deadline is zero for no deadline.
func (e *Engine) Compact(ctx context.Context, deadline time.Time) (maintenance.CompactionResult, error) {
	candidates, err := e.maint.IdentifySuperseded()
	if err != nil {
		return maintenance.CompactionResult{}, err
	}
	deletionSet := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		deletionSet[c.BlockID] = true
	}

	result, err := e.maint.Compact(ctx, deadline, deletionSet)
	if err != nil {
		return maintenance.CompactionResult{}, err
	}

	reopened, _, err := blockfile.Open(e.bf.Path())
	if err != nil {
		return result, emailerr.Wrap(emailerr.Internal, err, "compact succeeded but reopening the compacted file failed")
	}
	e.bf.Close()
	e.bf = reopened
	e.bs = blockstore.Open(e.bf, e.codec, e.keys, e.clk, e.cacheBudgetBytes)

	if err := e.folders.Rebuild(e.bf); err != nil {
		return result, err
	}
	if err := e.index.Rebuild(e.bf, e.bs, search.Tokenize); err != nil {
		return result, err
	}
	if lastBlockID := e.bs.PeekNextBlockID() - 1; lastBlockID >= 0 {
		if serr := e.indexSidecar.Save(ctx, e.index, lastBlockID); serr != nil {
			e.log.Warn("index sidecar save failed after compaction", map[string]any{"error": serr.Error()})
		}
	}
	e.batcher = batch.New(e.bs, e.index, e.clk, func() int64 { return e.bf.Size() },
		batch.WithMetrics(obsmetrics.Nop{}),
		batch.WithWriteDefaults(e.defaultCompressionID, e.defaultEncryptionID, e.dataKeyID))
	e.coord = coordinator.New(e.batcher, e.folders, e.index, e.clk, e.log, obsmetrics.Nop{})
	e.batcher.SetFlushListener(e.coord.OnBatchFlushed)
	e.maint = maintenance.New(e.bf, e.bs, e.index, e.clk, e.log, e.policy)
	e.search = search.New(e.index, e.bs, nil)

	return result, nil
}

// VerifyIntegrity reopens the block file to force a fresh scan and reports
// every checksum failure recovery found, without attempting any repair.
func (e *Engine) VerifyIntegrity() ([]int64, error) {
	probe, report, err := blockfile.Open(e.bf.Path())
	if err != nil {
		return nil, err
	}
	defer probe.Close()
	if report == nil {
		return nil, nil
	}
	return report.ChecksumFailures, nil
}

// Version reports the on-disk version and whether a registered upgrade is
// available for it.
func (e *Engine) Version() (current version.Number, upgradeAvailable bool) {
	return e.ver.OnDiskVersion(), e.ver.UpgradeAvailable()
}

// Upgrade runs the registered migration from the on-disk version to
// target, always backing up the file first. Callers must call Close and
// reopen the Engine afterward: Upgrade rewrites blocks through the same
// BlockStore this Engine already holds, but FolderStore/IndexStore caches
// are not automatically invalidated.
func (e *Engine) Upgrade(ctx context.Context, target version.Number) (backupPath string, err error) {
	return e.ver.Upgrade(ctx, e.bf, target)
}

// String implements fmt.Stringer for diagnostics; never logs key material.
func (e *Engine) String() string {
	return fmt.Sprintf("emaildb.Engine{path=%s}", e.path)
}
