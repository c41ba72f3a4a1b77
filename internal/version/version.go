// Package version implements spec.md §4.11's VersionManager: the Header
// block, feature-flag negotiation, and the upgrade registry.
package version

import (
	"fmt"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// Features is the bitflag set a Header block carries alongside its packed
// version number (spec.md §4.11).
type Features uint32

const (
	FeatureCompression Features = 1 << iota
	FeatureEncryption
	FeatureEmailBatching
	FeatureEnvelopeBlocks
	FeatureInBandKeyManagement
	FeatureHashChainIntegrity
	FeatureFullTextSearch
	FeatureFolderHierarchy
	FeatureEmailDeduplication
	FeatureBlockSuperseding
	FeatureAtomicTransactions
)

func (f Features) Has(flag Features) bool { return f&flag != 0 }

// CurrentFeatures is the feature set this build writes into every fresh
// Header block.
const CurrentFeatures = FeatureCompression | FeatureEncryption | FeatureEmailBatching |
	FeatureEnvelopeBlocks | FeatureInBandKeyManagement | FeatureHashChainIntegrity |
	FeatureFullTextSearch | FeatureFolderHierarchy | FeatureEmailDeduplication |
	FeatureBlockSuperseding | FeatureAtomicTransactions

// Number is a packed major.minor.patch version, matching the
// `major<<24 | minor<<16 | patch` layout spec.md §4.11 specifies for the
// on-disk Header block.
type Number struct {
	Major uint8
	Minor uint8
	Patch uint8
}

func (n Number) Pack() uint32 {
	return uint32(n.Major)<<24 | uint32(n.Minor)<<16 | uint32(n.Patch)
}

func Unpack(packed uint32) Number {
	return Number{
		Major: uint8(packed >> 24),
		Minor: uint8(packed >> 16),
		Patch: uint8(packed),
	}
}

func (n Number) String() string { return fmt.Sprintf("%d.%d.%d", n.Major, n.Minor, n.Patch) }

// Current is the version this build stamps into every fresh database.
var Current = Number{Major: 2, Minor: 0, Patch: 0}

// MinimumSupportedMajor is the oldest on-disk major version this build can
// still read (with an upgrade available, per spec.md §4.11's compatibility
// rules).
const MinimumSupportedMajor uint8 = 1

// HeaderContent is the payload of the Header block (conventionally block
// 0).
type HeaderContent struct {
	Version  uint32
	Features Features
}

// Compatibility is the outcome of comparing an on-disk version against
// Current.
type Compatibility int

const (
	Incompatible Compatibility = iota
	Compatible
	CompatibleUpgradeAvailable
)

// Check applies spec.md §4.11's compatibility rules: same major is always
// compatible; a newer reader can open an older major down to
// MinimumSupportedMajor, flagging an upgrade as available; anything older
// than that, or newer than the reader, is incompatible.
func Check(onDisk Number) Compatibility {
	switch {
	case onDisk.Major == Current.Major:
		return Compatible
	case onDisk.Major < Current.Major && onDisk.Major >= MinimumSupportedMajor:
		return CompatibleUpgradeAvailable
	default:
		return Incompatible
	}
}

// Manager is VersionManager: it owns the Header block and answers
// compatibility questions for the rest of the engine to act on.
type Manager struct {
	bs           *blockstore.Store
	headerBlock  int64
	onDisk       Number
	features     Features
}

// Open locates the latest Header block (block 0, unless an Upgrade has
// appended a newer one) and loads its version/features. If the file is
// empty, it writes a fresh Header block
// stamped at Current with CurrentFeatures, matching spec.md §4.11's "if
// missing on an empty file, write a fresh one at current version".
func Open(bs *blockstore.Store) (*Manager, error) {
	var headerID int64
	locs := bs.File().Locations()
	for i := len(locs) - 1; i >= 0; i-- {
		if locs[i].Type == blockfile.TypeHeader {
			if b, rerr := bs.File().ReadAt(locs[i].Offset); rerr == nil {
				headerID = b.BlockID
			}
			break
		}
	}
	content, err := blockstore.Read[HeaderContent](bs, headerID)
	if err != nil {
		if !emailerr.Is(err, emailerr.NotFound) {
			return nil, err
		}
		blockID, written, werr := blockstore.WriteSelfReferential(bs,
			blockstore.WriteOptions{Type: blockfile.TypeHeader, Encoding: blockfile.EncodingJSON},
			func(int64) HeaderContent {
				return HeaderContent{Version: Current.Pack(), Features: CurrentFeatures}
			})
		if werr != nil {
			return nil, werr
		}
		if blockID != 0 {
			return nil, emailerr.New(emailerr.Internal, "header block must be block 0 on a fresh file, got %d", blockID)
		}
		return &Manager{bs: bs, headerBlock: blockID, onDisk: Current, features: written.Features}, nil
	}

	onDisk := Unpack(content.Version)
	if Check(onDisk) == Incompatible {
		return nil, emailerr.New(emailerr.VersionMismatch,
			"on-disk version %s is incompatible with this build (current %s, minimum supported major %d)",
			onDisk, Current, MinimumSupportedMajor)
	}
	return &Manager{bs: bs, headerBlock: headerID, onDisk: onDisk, features: content.Features}, nil
}

// OnDiskVersion reports the version recorded in the Header block as of the
// last Open or successful Upgrade.
func (m *Manager) OnDiskVersion() Number { return m.onDisk }

// Features reports the on-disk feature flags.
func (m *Manager) Features() Features { return m.features }

// Compatibility reports where the on-disk version stands relative to
// Current.
func (m *Manager) Compatibility() Compatibility { return Check(m.onDisk) }

// UpgradeAvailable reports whether a registered upgrade path exists from
// the on-disk version to Current.
func (m *Manager) UpgradeAvailable() bool {
	_, ok := lookupStrategy(m.onDisk, Current)
	return ok
}
