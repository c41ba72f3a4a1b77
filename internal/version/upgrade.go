package version

import (
	"context"
	"fmt"
	"os"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/canonicalhash"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/emlparse"
	"github.com/Ap3pp3rs94/emaildb/internal/keystore"
)

// StrategyKind is how an upgrade transforms the file (spec.md §4.11:
// "a registry maps (from_version, to_version) to strategy{InPlace |
// Migration(handler)}").
type StrategyKind int

const (
	StrategyInPlace StrategyKind = iota
	StrategyMigration
)

// MigrationHandler rewrites the database from one version to the next. It
// is only ever invoked against a file already backed up by Upgrade, and
// receives the live Store so it can read old-shape blocks and write
// new-shape ones through the normal typed path.
type MigrationHandler func(ctx context.Context, bs *blockstore.Store, from, to Number) error

// Strategy is one registered upgrade path.
type Strategy struct {
	From    Number
	To      Number
	Kind    StrategyKind
	Migrate MigrationHandler // non-nil iff Kind == StrategyMigration
}

type versionPair struct {
	from Number
	to   Number
}

// registry maps (from, to) to the strategy that upgrades between them.
// v1 to v2 is a migration: it repackages legacy single-Email blocks into
// one EmailBatch block and initializes an empty KeyManager if none is
// present (spec.md §4.11). It deliberately does not touch FolderTree
// blocks: v1's folder-to-email association format is undocumented outside
// this registry entry, so a host carrying real v1 data registers its own
// Strategy via RegisterUpgrade with a handler that knows that mapping.
var registry = map[versionPair]Strategy{
	{from: Number{1, 0, 0}, to: Number{2, 0, 0}}: {
		From: Number{1, 0, 0}, To: Number{2, 0, 0}, Kind: StrategyMigration, Migrate: migrateV1ToV2,
	},
}

// RegisterUpgrade adds or overrides an upgrade path. Exposed for hosts
// that need to register a custom migration handler without modifying
// this package.
func RegisterUpgrade(s Strategy) {
	registry[versionPair{from: s.From, to: s.To}] = s
}

func lookupStrategy(from, to Number) (Strategy, bool) {
	s, ok := registry[versionPair{from: from, to: to}]
	return s, ok
}

// Upgrade moves the database from its current on-disk version to target,
// always creating a backup first regardless of strategy kind (spec.md
// §4.11: "upgrades always create a backup first"). The backup is named
// "<path>.backup_<n>", where n is the next block id, not a timestamp.
// InPlace strategies only append a new Header block carrying the target
// version and feature flags; Migration strategies additionally run the
// registered handler against the live Store first.
func (m *Manager) Upgrade(ctx context.Context, bf *blockfile.BlockFile, target Number) (backupPath string, err error) {
	strategy, ok := lookupStrategy(m.onDisk, target)
	if !ok {
		return "", emailerr.New(emailerr.VersionMismatch, "no registered upgrade from %s to %s", m.onDisk, target)
	}

	backupPath = fmt.Sprintf("%s.backup_%d", bf.Path(), nowNanosForBackupName(m.bs))
	if err := copyFile(bf.Path(), backupPath); err != nil {
		return "", emailerr.Wrap(emailerr.IoError, err, "back up %s before upgrade", bf.Path())
	}

	if strategy.Kind == StrategyMigration {
		if err := strategy.Migrate(ctx, m.bs, m.onDisk, target); err != nil {
			return backupPath, emailerr.Wrap(emailerr.Internal, err, "migration from %s to %s failed; original backed up at %s", m.onDisk, target, backupPath)
		}
	}

	if _, err := blockstore.WriteSelfReferential(m.bs,
		blockstore.WriteOptions{Type: blockfile.TypeHeader, Encoding: blockfile.EncodingJSON},
		func(int64) HeaderContent {
			return HeaderContent{Version: target.Pack(), Features: CurrentFeatures}
		}); err != nil {
		return backupPath, emailerr.Wrap(emailerr.Internal, err, "write post-upgrade header block")
	}

	m.onDisk = target
	m.features = CurrentFeatures
	return backupPath, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func nowNanosForBackupName(bs *blockstore.Store) int64 {
	// Reuses the next provisional block id as a monotonically increasing,
	// collision-resistant suffix so repeated upgrades in the same test or
	// process never collide on backup path, without depending on wall-clock
	// resolution.
	return bs.PeekNextBlockID()
}

// migrateV1ToV2 repackages every legacy Email block into a single
// EmailBatch block, recomputing dedup hashes along the way, and writes an
// empty KeyManager block if none already exists.
func migrateV1ToV2(ctx context.Context, bs *blockstore.Store, from, to Number) error {
	bf := bs.File()

	var legacy [][]byte
	hasKeyManager := false

	if err := bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch b.Type {
		case blockfile.TypeEmailLegacy:
			legacy = append(legacy, b.Payload)
		case blockfile.TypeKeyManager:
			hasKeyManager = true
		}
		return nil
	}); err != nil {
		return err
	}

	if len(legacy) > 0 {
		emails := make([]emailmodel.StoredEmail, 0, len(legacy))
		for i, raw := range legacy {
			parsed, perr := emlparse.Parse(raw)
			if perr != nil {
				// A legacy block that no longer parses as RFC 5322 is carried
				// over verbatim with empty hashes rather than aborting the
				// whole migration; it simply never participates in dedup.
				emails = append(emails, emailmodel.StoredEmail{LocalID: i, EmailBytes: raw})
				continue
			}
			envHash := canonicalhash.EnvelopeHash(canonicalhash.EnvelopeFields{
				MessageID: parsed.MessageID, From: parsed.From, To: parsed.To,
				Date: parsed.Date, Subject: parsed.Subject, Size: int64(len(raw)),
			})
			contentHash := canonicalhash.ContentHash(parsed.Headers, parsed.Body)
			emails = append(emails, emailmodel.StoredEmail{
				LocalID: i, EnvelopeHash: envHash, ContentHash: contentHash, EmailBytes: raw,
			})
		}
		if _, _, err := blockstore.WriteSelfReferential(bs,
			blockstore.WriteOptions{Type: blockfile.TypeEmailBatch, Encoding: blockfile.EncodingJSON},
			func(blockID int64) emailmodel.EmailBatchContent {
				return emailmodel.EmailBatchContent{BlockID: blockID, Emails: emails}
			}); err != nil {
			return err
		}
	}

	if !hasKeyManager {
		if _, _, err := blockstore.WriteSelfReferential(bs,
			blockstore.WriteOptions{Type: blockfile.TypeKeyManager, Encoding: blockfile.EncodingJSON},
			func(int64) keystore.KeyManagerContent {
				return keystore.KeyManagerContent{Version: 1, Entries: []keystore.EncryptedKeyEntry{}}
			}); err != nil {
			return err
		}
	}

	return nil
}
