package indexstore

import (
	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

// Tokenizer extracts indexable terms from an email's searchable text.
// SearchEngine supplies the concrete implementation; indexstore only
// depends on the function shape to avoid an import cycle.
type Tokenizer func(text string) []string

// Rebuild implements spec.md §4.8's rebuild-by-scan: walk the block file
// in append order, decode every EmailBatch (indexing each stored email)
// and every Folder (keeping only the highest version per path), and emit
// fresh indexes. It is idempotent — calling it again fully replaces the
// prior index state — and safe to interrupt, since Reset only happens
// once at the start and every step after that is purely additive.
func (s *Store) Rebuild(bf *blockfile.BlockFile, bs *blockstore.Store, tokenize Tokenizer) error {
	s.Reset()

	type folderHead struct {
		folderBlockID int64
		version       int
		content       emailmodel.FolderContent
	}
	heads := make(map[string]folderHead)

	err := bf.Scan(func(b blockfile.Block, loc blockfile.BlockLocation) error {
		switch b.Type {
		case blockfile.TypeEmailBatch:
			batch, rerr := blockstore.Read[emailmodel.EmailBatchContent](bs, b.BlockID)
			if rerr != nil {
				return nil // unreadable block: skip, do not fail the whole rebuild
			}
			for _, email := range batch.Emails {
				id := emailmodel.CompoundID{BlockID: b.BlockID, LocalID: email.LocalID}
				var terms []string
				if tokenize != nil {
					terms = tokenize(string(email.EmailBytes))
				}
				// envelope_block_id is resolved separately once folder
				// envelopes are replayed below; record message-id-less
				// dedup/content mappings now, with envelope block 0 as a
				// placeholder the folder pass corrects.
				s.IndexEmail("", email.EnvelopeHash, email.ContentHash, id, 0, terms)
			}
		case blockfile.TypeFolder:
			folder, rerr := blockstore.Read[emailmodel.FolderContent](bs, b.BlockID)
			if rerr != nil {
				return nil
			}
			existing, ok := heads[folder.Name]
			if !ok || folder.Version > existing.version {
				heads[folder.Name] = folderHead{folderBlockID: b.BlockID, version: folder.Version, content: folder}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for path, head := range heads {
		s.IndexFolder(path, head.folderBlockID, head.content.EnvelopeBlockID)
		envelope, rerr := blockstore.Read[emailmodel.FolderEnvelopeContent](bs, head.content.EnvelopeBlockID)
		if rerr != nil {
			continue
		}
		for _, env := range envelope.Envelopes {
			var terms []string
			if tokenize != nil {
				terms = tokenize(env.Subject)
			}
			s.IndexEmail(env.MessageID, env.EnvelopeHash, "", env.CompoundID, head.content.EnvelopeBlockID, terms)
		}
	}

	return nil
}
