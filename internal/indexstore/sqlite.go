// Sidecar persistence for IndexStore (SPEC_FULL.md §5.4). Grounded on the
// prepared-statement, explicit-transaction, typed-error shape of the
// teacher's relational/postgres_store.go, schema-adapted from a single
// object table to the seven index maps spec.md §4.8 defines, and
// "connection string" swapped from a Postgres DSN to a SQLite file path.
package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

const sidecarSchemaVersion = 1

var ErrSidecarStale = errors.New("index sidecar is stale and must be rebuilt")

// SQLiteSidecar persists a snapshot of Store's index maps to a sibling
// SQLite file for faster reopen, without ever becoming the authoritative
// source: it is validated against lastBlockID on Load and discarded in
// favor of a full Rebuild whenever it disagrees.
type SQLiteSidecar struct {
	db *sql.DB
}

// OpenSidecar opens (creating if absent) the sidecar database at path.
func OpenSidecar(path string) (*SQLiteSidecar, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open index sidecar: %w", err)
	}
	sc := &SQLiteSidecar{db: db}
	if err := sc.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return sc, nil
}

func (sc *SQLiteSidecar) Close() error { return sc.db.Close() }

func (sc *SQLiteSidecar) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sidecar_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_id_index (
			message_id TEXT PRIMARY KEY,
			block_id INTEGER NOT NULL,
			local_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS envelope_hash_index (
			envelope_hash TEXT PRIMARY KEY,
			block_id INTEGER NOT NULL,
			local_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS content_hash_index (
			content_hash TEXT PRIMARY KEY,
			block_id INTEGER NOT NULL,
			local_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS folder_index (
			folder_path TEXT PRIMARY KEY,
			folder_block_id INTEGER NOT NULL,
			envelope_block_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS compound_envelope_index (
			block_id INTEGER NOT NULL,
			local_id INTEGER NOT NULL,
			envelope_block_id INTEGER NOT NULL,
			PRIMARY KEY (block_id, local_id)
		)`,
		`CREATE TABLE IF NOT EXISTS term_index (
			term TEXT NOT NULL,
			block_id INTEGER NOT NULL,
			local_id INTEGER NOT NULL,
			PRIMARY KEY (term, block_id, local_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := sc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure index sidecar schema: %w", err)
		}
	}
	return nil
}

// Save replaces the sidecar's contents with a full snapshot of s, stamped
// with lastBlockID, inside a single transaction.
func (sc *SQLiteSidecar) Save(ctx context.Context, s *Store, lastBlockID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sidecar save: %w", err)
	}
	defer tx.Rollback()

	clearStmts := []string{
		"DELETE FROM message_id_index", "DELETE FROM envelope_hash_index",
		"DELETE FROM content_hash_index", "DELETE FROM folder_index",
		"DELETE FROM compound_envelope_index", "DELETE FROM term_index",
	}
	for _, stmt := range clearStmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear sidecar table: %w", err)
		}
	}

	for msgID, id := range s.messageIDToCompound {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_id_index (message_id, block_id, local_id) VALUES (?, ?, ?)`, msgID, id.BlockID, id.LocalID); err != nil {
			return fmt.Errorf("write message_id_index: %w", err)
		}
	}
	for hash, id := range s.envelopeHashToCompound {
		if _, err := tx.ExecContext(ctx, `INSERT INTO envelope_hash_index (envelope_hash, block_id, local_id) VALUES (?, ?, ?)`, hash, id.BlockID, id.LocalID); err != nil {
			return fmt.Errorf("write envelope_hash_index: %w", err)
		}
	}
	for hash, id := range s.contentHashToCompound {
		if _, err := tx.ExecContext(ctx, `INSERT INTO content_hash_index (content_hash, block_id, local_id) VALUES (?, ?, ?)`, hash, id.BlockID, id.LocalID); err != nil {
			return fmt.Errorf("write content_hash_index: %w", err)
		}
	}
	for path, folderBlk := range s.folderPathToFolderBlk {
		envBlk := s.folderPathToEnvBlk[path]
		if _, err := tx.ExecContext(ctx, `INSERT INTO folder_index (folder_path, folder_block_id, envelope_block_id) VALUES (?, ?, ?)`, path, folderBlk, envBlk); err != nil {
			return fmt.Errorf("write folder_index: %w", err)
		}
	}
	for id, envBlk := range s.compoundToEnvelopeBlk {
		if _, err := tx.ExecContext(ctx, `INSERT INTO compound_envelope_index (block_id, local_id, envelope_block_id) VALUES (?, ?, ?)`, id.BlockID, id.LocalID, envBlk); err != nil {
			return fmt.Errorf("write compound_envelope_index: %w", err)
		}
	}
	for term, ids := range s.termToCompounds {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO term_index (term, block_id, local_id) VALUES (?, ?, ?)`, term, id.BlockID, id.LocalID); err != nil {
				return fmt.Errorf("write term_index: %w", err)
			}
		}
	}

	if err := sc.setMeta(ctx, tx, "schema_version", fmt.Sprintf("%d", sidecarSchemaVersion)); err != nil {
		return err
	}
	if err := sc.setMeta(ctx, tx, "last_block_id", fmt.Sprintf("%d", lastBlockID)); err != nil {
		return err
	}

	return tx.Commit()
}

func (sc *SQLiteSidecar) setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sidecar_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Load populates s from the sidecar if and only if its stamped
// schema_version and last_block_id match the caller's expectations;
// otherwise it returns ErrSidecarStale and leaves s untouched, signaling
// the caller to fall back to Store.Rebuild.
func (sc *SQLiteSidecar) Load(ctx context.Context, s *Store, expectLastBlockID int64) error {
	var versionStr, lastBlockStr string
	row := sc.db.QueryRowContext(ctx, `SELECT value FROM sidecar_meta WHERE key = 'schema_version'`)
	if err := row.Scan(&versionStr); err != nil {
		return ErrSidecarStale
	}
	row = sc.db.QueryRowContext(ctx, `SELECT value FROM sidecar_meta WHERE key = 'last_block_id'`)
	if err := row.Scan(&lastBlockStr); err != nil {
		return ErrSidecarStale
	}
	if versionStr != fmt.Sprintf("%d", sidecarSchemaVersion) {
		return ErrSidecarStale
	}
	if lastBlockStr != fmt.Sprintf("%d", expectLastBlockID) {
		return ErrSidecarStale
	}

	s.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := scanPairs(ctx, sc.db, `SELECT message_id, block_id, local_id FROM message_id_index`, func(rows *sql.Rows) error {
		var msgID string
		var id emailmodel.CompoundID
		if err := rows.Scan(&msgID, &id.BlockID, &id.LocalID); err != nil {
			return err
		}
		s.messageIDToCompound[msgID] = id
		return nil
	}); err != nil {
		return err
	}
	if err := scanPairs(ctx, sc.db, `SELECT envelope_hash, block_id, local_id FROM envelope_hash_index`, func(rows *sql.Rows) error {
		var hash string
		var id emailmodel.CompoundID
		if err := rows.Scan(&hash, &id.BlockID, &id.LocalID); err != nil {
			return err
		}
		s.envelopeHashToCompound[hash] = id
		return nil
	}); err != nil {
		return err
	}
	if err := scanPairs(ctx, sc.db, `SELECT content_hash, block_id, local_id FROM content_hash_index`, func(rows *sql.Rows) error {
		var hash string
		var id emailmodel.CompoundID
		if err := rows.Scan(&hash, &id.BlockID, &id.LocalID); err != nil {
			return err
		}
		s.contentHashToCompound[hash] = id
		return nil
	}); err != nil {
		return err
	}
	if err := scanPairs(ctx, sc.db, `SELECT folder_path, folder_block_id, envelope_block_id FROM folder_index`, func(rows *sql.Rows) error {
		var path string
		var folderBlk, envBlk int64
		if err := rows.Scan(&path, &folderBlk, &envBlk); err != nil {
			return err
		}
		s.folderPathToFolderBlk[path] = folderBlk
		s.folderPathToEnvBlk[path] = envBlk
		return nil
	}); err != nil {
		return err
	}
	if err := scanPairs(ctx, sc.db, `SELECT block_id, local_id, envelope_block_id FROM compound_envelope_index`, func(rows *sql.Rows) error {
		var id emailmodel.CompoundID
		var envBlk int64
		if err := rows.Scan(&id.BlockID, &id.LocalID, &envBlk); err != nil {
			return err
		}
		s.compoundToEnvelopeBlk[id] = envBlk
		return nil
	}); err != nil {
		return err
	}
	if err := scanPairs(ctx, sc.db, `SELECT term, block_id, local_id FROM term_index`, func(rows *sql.Rows) error {
		var term string
		var id emailmodel.CompoundID
		if err := rows.Scan(&term, &id.BlockID, &id.LocalID); err != nil {
			return err
		}
		s.termToCompounds[term] = append(s.termToCompounds[term], id)
		return nil
	}); err != nil {
		return err
	}

	return nil
}

func scanPairs(ctx context.Context, db *sql.DB, query string, fn func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query sidecar: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("scan sidecar row: %w", err)
		}
	}
	return rows.Err()
}
