// Package emailmodel holds the block payload types spec.md §3 defines:
// the shapes EmailBatcher, FolderStore, and IndexStore read and write
// through BlockStore. Kept separate from those packages so each can import
// the types without circular dependencies.
package emailmodel

import "fmt"

// CompoundID is the (block_id, local_id) pair spec.md §3 defines as the
// stable identity of a stored email.
type CompoundID struct {
	BlockID int64
	LocalID int
}

func (c CompoundID) String() string { return fmt.Sprintf("%d:%d", c.BlockID, c.LocalID) }

// ParseCompoundID parses the "block_id:local_id" index-key form back into
// a CompoundID.
func ParseCompoundID(s string) (CompoundID, error) {
	var c CompoundID
	_, err := fmt.Sscanf(s, "%d:%d", &c.BlockID, &c.LocalID)
	if err != nil {
		return CompoundID{}, fmt.Errorf("parse compound id %q: %w", s, err)
	}
	return c, nil
}

// EmailEnvelope is the lightweight per-message record spec.md §3 defines.
type EmailEnvelope struct {
	CompoundID      CompoundID
	MessageID       string
	Subject         string
	From            string
	To              []string
	Date            string
	Size            int64
	HasAttachments  bool
	EnvelopeHash    string
	Flags           uint32
}

// EmailFlags mirrors the IMAP-style bitset SPEC_FULL.md §4 adds atop
// spec.md's bare EmailEnvelope.Flags field.
const (
	FlagSeen uint32 = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
	FlagRecent
)

// StoredEmail is one entry inside an EmailBatchContent.
type StoredEmail struct {
	LocalID      int
	EnvelopeHash string
	ContentHash  string
	EmailBytes   []byte
}

// EmailBatchContent is the payload of an EmailBatch block (spec.md §3).
type EmailBatchContent struct {
	BlockID int64
	Emails  []StoredEmail
}

// FolderEnvelopeContent is the payload of a FolderEnvelope block
// (spec.md §3's FolderEnvelopeBlock).
type FolderEnvelopeContent struct {
	FolderPath      string
	Version         int
	PreviousBlockID *int64
	LastModified    int64
	Envelopes       []EmailEnvelope
}

// FolderContent is the payload of a Folder block (spec.md §3).
type FolderContent struct {
	Name            string
	Version         int
	EnvelopeBlockID int64
	CompoundIDs     []CompoundID
	LastModified    int64
}

// SupersededRecord is MaintenanceEngine's bookkeeping for a retired block
// (spec.md §4.7: "old-block-id, supersededAt, reason").
type SupersededRecord struct {
	OldBlockID   int64
	SupersededAt int64
	Reason       string
}
