// Package folderstore implements spec.md §4.7: each folder is a
// (Folder, FolderEnvelope) pair of versioned, append-only blocks. Every
// mutation writes a fresh pair and retires the previous one as superseded
// rather than rewriting anything in place.
package folderstore

import (
	"sort"
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
)

// Head is a folder's current (Folder, FolderEnvelope) pair.
type Head struct {
	FolderPath      string
	FolderBlockID   int64
	EnvelopeBlockID int64
	Version         int
}

// Mutation reports the result of a single AddEmail/RemoveEmail/Create
// call: the new head, plus the pair it retired (zero values if this was
// the folder's first version).
type Mutation struct {
	NewHead             Head
	SupersededFolder    emailmodel.SupersededRecord
	SupersededEnvelope  emailmodel.SupersededRecord
	HadPreviousVersion  bool
}

// Store is FolderStore.
type Store struct {
	bs  *blockstore.Store
	clk clock.Clock

	compressionID uint8
	encryptionID  uint8
	keyID         string

	mu    sync.Mutex
	heads map[string]Head
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithWriteDefaults sets the compression/encryption applied to every
// Folder and FolderEnvelope block this Store writes. Zero values mean
// uncompressed, unencrypted.
func WithWriteDefaults(compressionID, encryptionID uint8, keyID string) Option {
	return func(s *Store) {
		s.compressionID = compressionID
		s.encryptionID = encryptionID
		s.keyID = keyID
	}
}

// New builds a Store with no known folders; callers typically populate it
// via Rebuild (mirroring IndexStore's own scan-and-replay recovery) before
// serving traffic.
func New(bs *blockstore.Store, clk clock.Clock, opts ...Option) *Store {
	s := &Store{bs: bs, clk: clk, heads: make(map[string]Head)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Head returns the folder's current (Folder, FolderEnvelope) pair.
func (s *Store) Head(folderPath string) (Head, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[folderPath]
	return h, ok
}

// Folders lists every known folder path.
func (s *Store) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.heads))
	for path := range s.heads {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Create creates an empty folder at version 1. It is a no-op returning the
// existing head if the folder already exists.
func (s *Store) Create(folderPath string) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.heads[folderPath]; ok {
		return h, nil
	}
	return s.commitLocked(folderPath, Head{}, false, nil, nil)
}

// AddEmail appends one envelope to folderPath, producing a new
// (Folder, FolderEnvelope) pair and retiring the previous one.
func (s *Store) AddEmail(folderPath string, id emailmodel.CompoundID, envelope emailmodel.EmailEnvelope) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, hadPrevious := s.heads[folderPath]
	var prevEnvelopes []emailmodel.EmailEnvelope
	var prevCompoundIDs []emailmodel.CompoundID
	if hadPrevious {
		content, err := blockstore.Read[emailmodel.FolderEnvelopeContent](s.bs, head.EnvelopeBlockID)
		if err != nil {
			return Mutation{}, err
		}
		prevEnvelopes = content.Envelopes
		folderContent, err := blockstore.Read[emailmodel.FolderContent](s.bs, head.FolderBlockID)
		if err != nil {
			return Mutation{}, err
		}
		prevCompoundIDs = folderContent.CompoundIDs
	}

	newHead, err := s.commitLocked(folderPath, head, hadPrevious,
		append(append([]emailmodel.EmailEnvelope{}, prevEnvelopes...), envelope),
		append(append([]emailmodel.CompoundID{}, prevCompoundIDs...), id))
	if err != nil {
		return Mutation{}, err
	}

	mut := Mutation{NewHead: newHead, HadPreviousVersion: hadPrevious}
	if hadPrevious {
		mut.SupersededFolder = emailmodel.SupersededRecord{OldBlockID: head.FolderBlockID, SupersededAt: s.clk.Now().UnixNano(), Reason: "folder mutated: add"}
		mut.SupersededEnvelope = emailmodel.SupersededRecord{OldBlockID: head.EnvelopeBlockID, SupersededAt: s.clk.Now().UnixNano(), Reason: "folder mutated: add"}
	}
	return mut, nil
}

// RemoveEmail removes the envelope whose CompoundID is id from folderPath.
// It is a no-op error if the folder or the email is not present.
func (s *Store) RemoveEmail(folderPath string, id emailmodel.CompoundID) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[folderPath]
	if !ok {
		return Mutation{}, emailerr.New(emailerr.NotFound, "folder %q not found", folderPath)
	}
	content, err := blockstore.Read[emailmodel.FolderEnvelopeContent](s.bs, head.EnvelopeBlockID)
	if err != nil {
		return Mutation{}, err
	}
	folderContent, err := blockstore.Read[emailmodel.FolderContent](s.bs, head.FolderBlockID)
	if err != nil {
		return Mutation{}, err
	}

	newEnvelopes := make([]emailmodel.EmailEnvelope, 0, len(content.Envelopes))
	found := false
	for _, e := range content.Envelopes {
		if e.CompoundID == id {
			found = true
			continue
		}
		newEnvelopes = append(newEnvelopes, e)
	}
	if !found {
		return Mutation{}, emailerr.New(emailerr.NotFound, "email %s not found in folder %q", id, folderPath)
	}
	newCompoundIDs := make([]emailmodel.CompoundID, 0, len(folderContent.CompoundIDs))
	for _, c := range folderContent.CompoundIDs {
		if c == id {
			continue
		}
		newCompoundIDs = append(newCompoundIDs, c)
	}

	newHead, err := s.commitLocked(folderPath, head, true, newEnvelopes, newCompoundIDs)
	if err != nil {
		return Mutation{}, err
	}

	return Mutation{
		NewHead:            newHead,
		HadPreviousVersion: true,
		SupersededFolder:   emailmodel.SupersededRecord{OldBlockID: head.FolderBlockID, SupersededAt: s.clk.Now().UnixNano(), Reason: "folder mutated: remove"},
		SupersededEnvelope: emailmodel.SupersededRecord{OldBlockID: head.EnvelopeBlockID, SupersededAt: s.clk.Now().UnixNano(), Reason: "folder mutated: remove"},
	}, nil
}

// ListEnvelopes returns the current envelopes in folderPath in stored
// order; callers apply sort/limit/offset on top.
func (s *Store) ListEnvelopes(folderPath string) ([]emailmodel.EmailEnvelope, error) {
	s.mu.Lock()
	head, ok := s.heads[folderPath]
	s.mu.Unlock()
	if !ok {
		return nil, emailerr.New(emailerr.NotFound, "folder %q not found", folderPath)
	}
	content, err := blockstore.Read[emailmodel.FolderEnvelopeContent](s.bs, head.EnvelopeBlockID)
	if err != nil {
		return nil, err
	}
	return content.Envelopes, nil
}

// commitLocked writes a new FolderEnvelope + Folder pair, versioned one
// past prior (or 1 if hadPrevious is false), and records it as the new
// head. Held under s.mu.
func (s *Store) commitLocked(folderPath string, prior Head, hadPrevious bool, envelopes []emailmodel.EmailEnvelope, compoundIDs []emailmodel.CompoundID) (Head, error) {
	newVersion := 1
	var previousBlockID *int64
	if hadPrevious {
		newVersion = prior.Version + 1
		id := prior.EnvelopeBlockID
		previousBlockID = &id
	}

	now := s.clk.Now().UnixNano()

	writeOpts := blockstore.WriteOptions{
		CompressionID: s.compressionID,
		EncryptionID:  s.encryptionID,
		KeyID:         s.keyID,
	}

	envOpts := writeOpts
	envOpts.Type = blockfile.TypeFolderEnvelope
	envOpts.Encoding = blockfile.EncodingJSON
	envBlockID, _, err := blockstore.WriteSelfReferential(s.bs,
		envOpts,
		func(int64) emailmodel.FolderEnvelopeContent {
			return emailmodel.FolderEnvelopeContent{
				FolderPath:      folderPath,
				Version:         newVersion,
				PreviousBlockID: previousBlockID,
				LastModified:    now,
				Envelopes:       envelopes,
			}
		})
	if err != nil {
		return Head{}, err
	}

	folderOpts := writeOpts
	folderOpts.Type = blockfile.TypeFolder
	folderOpts.Encoding = blockfile.EncodingJSON
	folderBlockID, _, err := blockstore.WriteSelfReferential(s.bs,
		folderOpts,
		func(int64) emailmodel.FolderContent {
			return emailmodel.FolderContent{
				Name:            folderPath,
				Version:         newVersion,
				EnvelopeBlockID: envBlockID,
				CompoundIDs:     compoundIDs,
				LastModified:    now,
			}
		})
	if err != nil {
		return Head{}, err
	}

	head := Head{FolderPath: folderPath, FolderBlockID: folderBlockID, EnvelopeBlockID: envBlockID, Version: newVersion}
	s.heads[folderPath] = head
	return head, nil
}
