package blockfile

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// BlockFile is the single append-only backing file spec.md §4.1 describes:
// one writer at a time, any number of concurrent readers, an in-memory
// offset index rebuilt by Scan on open.
//
// Grounded on the teacher's timeseries writer/reader pair, generalized from
// one chunk per file to many framed blocks threaded through one file.
type BlockFile struct {
	path string

	writeMu sync.Mutex // serializes Append; spec.md's single-writer rule
	f       *os.File

	idxMu sync.RWMutex
	index []BlockLocation // ordered by offset, position i == block appended i-th
	size  int64
}

// Open opens (creating if absent) the file at path and scans it to build
// the offset index. A trailing partial or corrupt frame is reported via
// the returned *ScanReport but does not fail Open: spec.md §7 treats a
// truncated tail as recoverable. The torn bytes stay in place; the next
// Append writes after them, and a later scan resyncs past them.
func Open(path string) (*BlockFile, *ScanReport, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, emailerr.Wrap(emailerr.IoError, err, "open block file")
	}
	bf := &BlockFile{path: path, f: f}
	report, err := bf.scan()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return bf, report, nil
}

func (bf *BlockFile) Close() error {
	bf.writeMu.Lock()
	defer bf.writeMu.Unlock()
	if err := bf.f.Close(); err != nil {
		return emailerr.Wrap(emailerr.IoError, err, "close block file")
	}
	return nil
}

// ScanReport summarizes what Scan found on open: how many frames decoded
// cleanly, how many had a valid header but a failed payload checksum
// (reported, not silently dropped), and the byte offset where scanning
// stopped trusting the file (either EOF or the first framing error).
type ScanReport struct {
	BlocksRead      int
	ChecksumFailures []int64 // block ids with header-valid, payload-invalid frames
	TruncatedAt     int64   // offset of the first framing error; -1 if none was found
}

// scan rebuilds the offset index by reading the whole file once. It is
// called only from Open, before any concurrent access is possible.
func (bf *BlockFile) scan() (*ScanReport, error) {
	info, err := bf.f.Stat()
	if err != nil {
		return nil, emailerr.Wrap(emailerr.IoError, err, "stat block file")
	}
	total := info.Size()
	data := make([]byte, total)
	if total > 0 {
		if _, err := bf.f.ReadAt(data, 0); err != nil {
			return nil, emailerr.Wrap(emailerr.IoError, err, "read block file")
		}
	}

	report := &ScanReport{TruncatedAt: -1}
	var offset int64
	var index []BlockLocation

	for offset < total {
		remaining := data[offset:]
		res, derr := Decode(remaining)
		if derr != nil && !res.HeaderValid {
			// Header-level failure at this offset. Per spec.md §4.1
			// ("on mismatch, advances by 1 byte and resyncs to the
			// next header magic"), don't give up on the rest of the
			// file — a torn or corrupted region may be followed by
			// more valid blocks. Search forward for the next
			// occurrence of HeaderMagic and resume there.
			next := findNextMagic(data, offset+1)
			if next < 0 {
				report.TruncatedAt = offset
				break
			}
			if report.TruncatedAt == -1 {
				report.TruncatedAt = offset
			}
			offset = next
			continue
		}
		if derr != nil && res.HeaderValid && !res.PayloadValid {
			report.ChecksumFailures = append(report.ChecksumFailures, res.Block.BlockID)
		}
		loc := BlockLocation{
			Offset:    offset,
			Length:    int64(res.Consumed),
			Type:      res.Block.Type,
			Timestamp: res.Block.Timestamp,
			Flags:     res.Block.Flags,
		}
		index = append(index, loc)
		report.BlocksRead++
		offset += int64(res.Consumed)
	}

	bf.idxMu.Lock()
	bf.index = index
	bf.size = offset
	bf.idxMu.Unlock()

	return report, nil
}

// Append writes b to the end of the file, assigning no block id itself —
// callers (BlockStore) own id allocation since ids must stay monotonic
// across restarts even though BlockFile only knows about the current
// process's appends. It returns the byte offset Append wrote at.
func (bf *BlockFile) Append(b Block) (int64, error) {
	framed, err := Encode(b)
	if err != nil {
		return 0, err
	}

	bf.writeMu.Lock()
	defer bf.writeMu.Unlock()

	offset, err := bf.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, emailerr.Wrap(emailerr.IoError, err, "seek to end")
	}
	if _, err := bf.f.Write(framed); err != nil {
		return 0, emailerr.Wrap(emailerr.IoError, err, "append block")
	}
	if err := bf.f.Sync(); err != nil {
		return 0, emailerr.Wrap(emailerr.IoError, err, "fsync after append")
	}

	bf.idxMu.Lock()
	bf.index = append(bf.index, BlockLocation{
		Offset:    offset,
		Length:    int64(len(framed)),
		Type:      b.Type,
		Timestamp: b.Timestamp,
		Flags:     b.Flags,
	})
	bf.size = offset + int64(len(framed))
	bf.idxMu.Unlock()

	return offset, nil
}

// ReadAt decodes and returns the block framed at offset. It re-reads from
// disk rather than trusting any cached payload, since BlockFile itself
// caches only location metadata, never payload bytes.
func (bf *BlockFile) ReadAt(offset int64) (Block, error) {
	bf.idxMu.RLock()
	size := bf.size
	bf.idxMu.RUnlock()
	if offset < 0 || offset >= size {
		return Block{}, emailerr.New(emailerr.NotFound, "offset %d out of range", offset)
	}

	// Read a generous window first; most frames fit in it, which avoids a
	// second read for the common case. A frame that runs past the window
	// is re-read below at the length its header announces.
	const headerPeek = 4096
	window := size - offset
	if window > headerPeek {
		window = headerPeek
	}
	buf := make([]byte, window)
	if _, err := bf.f.ReadAt(buf, offset); err != nil {
		return Block{}, emailerr.Wrap(emailerr.IoError, err, "read block at offset %d", offset)
	}

	res, err := Decode(buf)
	if err != nil && res.Consumed == 0 && window < size-offset && len(buf) >= headerFixedLen {
		// Decode rejects a frame cut off by the window as a framing
		// error. Re-read as far as payload_length, the longest possible
		// extended header (776 bytes) and the checksums/footer can reach.
		need := size - offset
		if payloadLen := binary.LittleEndian.Uint64(buf[headerFixedLen-8 : headerFixedLen]); payloadLen < uint64(need) {
			need = min(need, int64(payloadLen)+headerFixedLen+4+776+4+8+8)
		}
		buf = make([]byte, need)
		if _, rerr := bf.f.ReadAt(buf, offset); rerr != nil {
			return Block{}, emailerr.Wrap(emailerr.IoError, rerr, "read full block at offset %d", offset)
		}
		res, err = Decode(buf)
	}
	if err != nil && res.Consumed == 0 {
		return Block{}, err
	}
	if int64(len(buf)) < int64(res.Consumed) {
		full := make([]byte, res.Consumed)
		if _, rerr := bf.f.ReadAt(full, offset); rerr != nil {
			return Block{}, emailerr.Wrap(emailerr.IoError, rerr, "read full block at offset %d", offset)
		}
		res, err = Decode(full)
	}
	if err != nil {
		return res.Block, err
	}
	return res.Block, nil
}

// Read is ReadAt by index position in the offset index (0-based, in
// append order), convenient for Scan-driven iteration.
func (bf *BlockFile) Read(index int) (Block, error) {
	bf.idxMu.RLock()
	if index < 0 || index >= len(bf.index) {
		bf.idxMu.RUnlock()
		return Block{}, emailerr.New(emailerr.NotFound, "index %d out of range", index)
	}
	loc := bf.index[index]
	bf.idxMu.RUnlock()
	return bf.ReadAt(loc.Offset)
}

// Locations returns a snapshot copy of the offset index. Callers must not
// assume it stays current across a concurrent Append.
func (bf *BlockFile) Locations() []BlockLocation {
	bf.idxMu.RLock()
	defer bf.idxMu.RUnlock()
	out := make([]BlockLocation, len(bf.index))
	copy(out, bf.index)
	return out
}

// Size returns the current file size in bytes.
func (bf *BlockFile) Size() int64 {
	bf.idxMu.RLock()
	defer bf.idxMu.RUnlock()
	return bf.size
}

// Scan walks every block in append order, invoking fn with the block and
// its location. fn returning an error stops the scan and propagates it.
// A block whose payload checksum fails is still handed to fn, with its
// unverified payload, instead of stopping the scan; any other read error
// stops the scan and is returned.
func (bf *BlockFile) Scan(fn func(Block, BlockLocation) error) error {
	locs := bf.Locations()
	for _, loc := range locs {
		b, err := bf.ReadAt(loc.Offset)
		if err != nil && !emailerr.Is(err, emailerr.ChecksumError) {
			return err
		}
		if ferr := fn(b, loc); ferr != nil {
			return ferr
		}
	}
	return nil
}

func (bf *BlockFile) Path() string { return bf.path }

// findNextMagic returns the smallest offset >= from at which HeaderMagic
// occurs in data, or -1 if it does not occur again.
func findNextMagic(data []byte, from int64) int64 {
	if from < 0 {
		from = 0
	}
	for i := from; i+int64(len(HeaderMagic)) <= int64(len(data)); i++ {
		if matches(data[i:i+int64(len(HeaderMagic))], HeaderMagic) {
			return i
		}
	}
	return -1
}
