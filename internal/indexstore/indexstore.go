// Package indexstore implements spec.md §4.8: the seven reference-only
// indexes (message-id, envelope-hash, content-hash, folder→block,
// compound→envelope-block, folder→envelope-block, term→[compound]), kept
// entirely rebuildable from the block file. IndexStore itself never holds
// email content — only ids.
package indexstore

import (
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

// Store holds the in-memory index maps plus suspect/rebuild-needed state.
// Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	messageIDToCompound   map[string]emailmodel.CompoundID
	envelopeHashToCompound map[string]emailmodel.CompoundID
	contentHashToCompound map[string]emailmodel.CompoundID
	folderPathToFolderBlk map[string]int64
	compoundToEnvelopeBlk map[emailmodel.CompoundID]int64
	folderPathToEnvBlk    map[string]int64
	termToCompounds       map[string][]emailmodel.CompoundID

	suspect bool
}

func New() *Store {
	return &Store{
		messageIDToCompound:    make(map[string]emailmodel.CompoundID),
		envelopeHashToCompound: make(map[string]emailmodel.CompoundID),
		contentHashToCompound:  make(map[string]emailmodel.CompoundID),
		folderPathToFolderBlk:  make(map[string]int64),
		compoundToEnvelopeBlk:  make(map[emailmodel.CompoundID]int64),
		folderPathToEnvBlk:     make(map[string]int64),
		termToCompounds:        make(map[string][]emailmodel.CompoundID),
	}
}

// IndexEmail records every mapping a newly-written email participates in.
// Called synchronously right after the owning EmailBatch block is written
// (spec.md §4.8: "updates are synchronous with the corresponding block
// write").
func (s *Store) IndexEmail(messageID, envelopeHash, contentHash string, id emailmodel.CompoundID, envelopeBlockID int64, terms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" {
		s.messageIDToCompound[messageID] = id
	}
	if envelopeHash != "" {
		if _, exists := s.envelopeHashToCompound[envelopeHash]; !exists {
			s.envelopeHashToCompound[envelopeHash] = id
		}
	}
	if contentHash != "" {
		if _, exists := s.contentHashToCompound[contentHash]; !exists {
			s.contentHashToCompound[contentHash] = id
		}
	}
	s.compoundToEnvelopeBlk[id] = envelopeBlockID
	for _, term := range terms {
		s.termToCompounds[term] = appendUnique(s.termToCompounds[term], id)
	}
}

// UpdateEnvelopeBlock repoints id's compound_id → envelope_block_id entry,
// used when a folder mutation (move, delete) writes a new FolderEnvelope
// block for an email whose hash-based identity mappings are unchanged.
func (s *Store) UpdateEnvelopeBlock(id emailmodel.CompoundID, envelopeBlockID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compoundToEnvelopeBlk[id] = envelopeBlockID
}

// ReferencesBlock reports whether blockID appears anywhere in the index:
// as a compound id's block id in any hash map, as an envelope or folder
// block id, or as a folder's current envelope/folder block. MaintenanceEngine
// uses this as the "no index references it" leg of its deletion safety gate
// (spec.md §4.10).
func (s *Store) ReferencesBlock(blockID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.messageIDToCompound {
		if id.BlockID == blockID {
			return true
		}
	}
	for _, id := range s.envelopeHashToCompound {
		if id.BlockID == blockID {
			return true
		}
	}
	for _, id := range s.contentHashToCompound {
		if id.BlockID == blockID {
			return true
		}
	}
	for id, envBlk := range s.compoundToEnvelopeBlk {
		if id.BlockID == blockID || envBlk == blockID {
			return true
		}
	}
	for _, folderBlk := range s.folderPathToFolderBlk {
		if folderBlk == blockID {
			return true
		}
	}
	for _, envBlk := range s.folderPathToEnvBlk {
		if envBlk == blockID {
			return true
		}
	}
	return false
}

// IndexFolder records the head folder/envelope block ids for path.
func (s *Store) IndexFolder(path string, folderBlockID, envelopeBlockID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folderPathToFolderBlk[path] = folderBlockID
	s.folderPathToEnvBlk[path] = envelopeBlockID
}

// LookupByMessageID implements the message_id → compound_id index.
func (s *Store) LookupByMessageID(messageID string) (emailmodel.CompoundID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageIDToCompound[messageID]
	return id, ok
}

// LookupByEnvelopeHash implements the dedup-check index EmailBatcher
// consults before enqueueing a new email (spec.md §4.6).
func (s *Store) LookupByEnvelopeHash(hash string) (emailmodel.CompoundID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.envelopeHashToCompound[hash]
	return id, ok
}

// LookupByContentHash implements the verification index.
func (s *Store) LookupByContentHash(hash string) (emailmodel.CompoundID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.contentHashToCompound[hash]
	return id, ok
}

// FolderBlockID implements folder_path → folder_block_id.
func (s *Store) FolderBlockID(path string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.folderPathToFolderBlk[path]
	return id, ok
}

// EnvelopeBlockIDForFolder implements folder_path → envelope_block_id.
func (s *Store) EnvelopeBlockIDForFolder(path string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.folderPathToEnvBlk[path]
	return id, ok
}

// EnvelopeBlockIDForCompound implements compound_id → envelope_block_id
// (the "fast preview" index).
func (s *Store) EnvelopeBlockIDForCompound(id emailmodel.CompoundID) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.compoundToEnvelopeBlk[id]
	return blk, ok
}

// SearchTerm implements term → list<compound_id>.
func (s *Store) SearchTerm(term string) []emailmodel.CompoundID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]emailmodel.CompoundID, len(s.termToCompounds[term]))
	copy(out, s.termToCompounds[term])
	return out
}

// MarkSuspect flags the index as diverged from the block file (spec.md
// §4.8: a post-write index-update failure logs the divergence and marks
// the index suspect without invalidating the block itself).
func (s *Store) MarkSuspect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspect = true
}

// Suspect reports whether a rebuild is pending.
func (s *Store) Suspect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suspect
}

// Reset clears every index map, used by Rebuild before replaying the
// block file from scratch.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageIDToCompound = make(map[string]emailmodel.CompoundID)
	s.envelopeHashToCompound = make(map[string]emailmodel.CompoundID)
	s.contentHashToCompound = make(map[string]emailmodel.CompoundID)
	s.folderPathToFolderBlk = make(map[string]int64)
	s.compoundToEnvelopeBlk = make(map[emailmodel.CompoundID]int64)
	s.folderPathToEnvBlk = make(map[string]int64)
	s.termToCompounds = make(map[string][]emailmodel.CompoundID)
	s.suspect = false
}

func appendUnique(list []emailmodel.CompoundID, id emailmodel.CompoundID) []emailmodel.CompoundID {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
