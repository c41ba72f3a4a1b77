package folderstore

import (
	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

// Rebuild scans bf for Folder blocks and resolves each folder's head as
// the highest version whose envelope-block-id still dereferences
// (spec.md §4.7's head-resolution rule), discarding any head candidate
// whose envelope block cannot be read.
func (s *Store) Rebuild(bf *blockfile.BlockFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heads = make(map[string]Head)

	return bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		if b.Type != blockfile.TypeFolder {
			return nil
		}
		content, err := blockstore.Read[emailmodel.FolderContent](s.bs, b.BlockID)
		if err != nil {
			return nil // unreadable candidate, skip per head-resolution rule
		}
		if _, err := blockstore.Read[emailmodel.FolderEnvelopeContent](s.bs, content.EnvelopeBlockID); err != nil {
			return nil // envelope-block-id does not dereference, skip
		}
		current, exists := s.heads[content.Name]
		if !exists || content.Version > current.Version {
			s.heads[content.Name] = Head{
				FolderPath:      content.Name,
				FolderBlockID:   b.BlockID,
				EnvelopeBlockID: content.EnvelopeBlockID,
				Version:         content.Version,
			}
		}
		return nil
	})
}
