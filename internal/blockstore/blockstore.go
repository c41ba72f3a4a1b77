// Package blockstore implements spec.md §4.5: a thin typed facade over
// BlockFile + PayloadCodec + Serializer, with an in-memory LRU cache of
// decoded values keyed by block id and evicted by a byte-size budget.
package blockstore

import (
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"github.com/Ap3pp3rs94/emaildb/internal/payloadcodec"
	"github.com/Ap3pp3rs94/emaildb/internal/serializer"
)

// WriteOptions parametrizes a single typed write (spec.md §4.5).
type WriteOptions struct {
	Type          blockfile.BlockType
	Encoding      blockfile.PayloadEncoding
	CompressionID uint8
	EncryptionID  uint8
	KeyID         string
}

// Store is the BlockStore. Blocks are immutable once written, so the
// cache never needs invalidation — only size-driven eviction (spec.md
// §4.5).
type Store struct {
	bf    *blockfile.BlockFile
	codec *payloadcodec.Codec
	keys  payloadcodec.KeyLookup
	clk   clock.Clock

	mu         sync.Mutex
	cache      *byteBudgetLRU
	offsetByID map[int64]int64

	nextBlockID int64
}

// Open builds a Store over an already-open BlockFile, replaying its scan
// results to seed the block-id→offset map and the next-id counter.
func Open(bf *blockfile.BlockFile, codec *payloadcodec.Codec, keys payloadcodec.KeyLookup, clk clock.Clock, cacheBudgetBytes int64) *Store {
	s := &Store{
		bf:         bf,
		codec:      codec,
		keys:       keys,
		clk:        clk,
		cache:      newByteBudgetLRU(cacheBudgetBytes),
		offsetByID: make(map[int64]int64),
	}
	var maxID int64 = -1
	_ = bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		s.offsetByID[b.BlockID] = loc.Offset
		if b.BlockID > maxID {
			maxID = b.BlockID
		}
		return nil
	})
	s.nextBlockID = maxID + 1
	return s
}

// Write serializes value, runs it through PayloadCodec, frames and
// appends it, and returns the new block id. Writes are serialized by s.mu
// so block id allocation order always matches append order, matching
// spec.md's single-writer model.
func Write(s *Store, opts WriteOptions, value any) (int64, error) {
	plaintext, err := serializer.Encode(opts.Encoding, value)
	if err != nil {
		return 0, err
	}

	payload, ext, effCompressionID, err := s.codec.Encode(plaintext, opts.CompressionID, opts.EncryptionID, opts.KeyID, s.keys)
	if err != nil {
		return 0, err
	}

	flags := blockfile.MakeFlags(effCompressionID, opts.EncryptionID, opts.Encoding)

	s.mu.Lock()
	defer s.mu.Unlock()

	blockID := s.nextBlockID
	b := blockfile.Block{
		BlockID:         blockID,
		Type:            opts.Type,
		Flags:           flags,
		Timestamp:       s.clk.Now().UnixNano(),
		PayloadEncoding: opts.Encoding,
		Ext:             ext,
		Payload:         payload,
	}

	offset, err := s.bf.Append(b)
	if err != nil {
		return 0, err
	}

	s.nextBlockID++
	s.offsetByID[blockID] = offset
	s.cache.add(blockID, value, int64(len(payload)))

	return blockID, nil
}

// WriteSelfReferential is for blocks whose content embeds the block's own
// id (spec.md §4.6's EmailBatch, §4.7's Folder/FolderEnvelope). build is
// called with the id that will be assigned, while s.mu is held, so the
// value and its eventual block id can never drift apart under concurrent
// writers.
func WriteSelfReferential[T any](s *Store, opts WriteOptions, build func(blockID int64) T) (int64, T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockID := s.nextBlockID
	value := build(blockID)

	plaintext, err := serializer.Encode(opts.Encoding, value)
	if err != nil {
		var zero T
		return 0, zero, err
	}
	payload, ext, effCompressionID, err := s.codec.Encode(plaintext, opts.CompressionID, opts.EncryptionID, opts.KeyID, s.keys)
	if err != nil {
		var zero T
		return 0, zero, err
	}
	flags := blockfile.MakeFlags(effCompressionID, opts.EncryptionID, opts.Encoding)

	b := blockfile.Block{
		BlockID:         blockID,
		Type:            opts.Type,
		Flags:           flags,
		Timestamp:       s.clk.Now().UnixNano(),
		PayloadEncoding: opts.Encoding,
		Ext:             ext,
		Payload:         payload,
	}
	offset, err := s.bf.Append(b)
	if err != nil {
		var zero T
		return 0, zero, err
	}

	s.nextBlockID++
	s.offsetByID[blockID] = offset
	s.cache.add(blockID, value, int64(len(payload)))

	return blockID, value, nil
}

// Read decodes the block at blockID into a fresh T, serving from cache
// when present.
func Read[T any](s *Store, blockID int64) (T, error) {
	var zero T

	s.mu.Lock()
	if cached, ok := s.cache.get(blockID); ok {
		s.mu.Unlock()
		v, ok := cached.(T)
		if !ok {
			return zero, emailerr.New(emailerr.Internal, "cached value for block %d has unexpected type", blockID)
		}
		return v, nil
	}
	offset, ok := s.offsetByID[blockID]
	s.mu.Unlock()
	if !ok {
		return zero, emailerr.New(emailerr.NotFound, "block %d not found", blockID)
	}

	b, err := s.bf.ReadAt(offset)
	if err != nil {
		return zero, err
	}

	plaintext, err := s.codec.Decode(b.Payload, b.Flags.CompressionID(), b.Flags.EncryptionID(), b.Ext, s.keys)
	if err != nil {
		return zero, err
	}

	var out T
	if err := serializer.Decode(b.PayloadEncoding, plaintext, &out); err != nil {
		return zero, err
	}

	s.mu.Lock()
	s.cache.add(blockID, out, int64(len(plaintext)))
	s.mu.Unlock()

	return out, nil
}

// PeekNextBlockID reports the block id the next Write or
// WriteSelfReferential call will assign. Callers building self-referential
// content should prefer WriteSelfReferential's build callback, which is
// race-free; this is for advisory/provisional display only (e.g. a
// not-yet-flushed batch's eventual block id).
func (s *Store) PeekNextBlockID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBlockID
}

// File returns the BlockFile this Store is backed by, for callers (namely
// MaintenanceEngine) that need to scan raw blocks directly instead of
// going through typed Read.
func (s *Store) File() *blockfile.BlockFile { return s.bf }

// HasBlock reports whether blockID is known without decoding it.
func (s *Store) HasBlock(blockID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.offsetByID[blockID]
	return ok
}

// CacheLen reports the current number of cached entries, for tests and
// diagnostics.
func (s *Store) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.len()
}
