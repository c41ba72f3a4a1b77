package blockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBlockFileAppendReadScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.emdb")

	bf, report, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bf.Close()
	if report.BlocksRead != 0 {
		t.Fatalf("expected empty file, got %d blocks", report.BlocksRead)
	}

	blocks := []Block{
		{BlockID: 1, Type: TypeHeader, Flags: 0, Timestamp: 10, Payload: []byte("header-payload")},
		{BlockID: 2, Type: TypeFolder, Flags: MakeFlags(0, 0, EncodingJSON), Timestamp: 20, Payload: []byte(`{"name":"inbox"}`)},
		{BlockID: 3, Type: TypeEmailBatch, Flags: MakeFlags(2, 1, EncodingRaw), Timestamp: 30, Payload: []byte("batch-bytes-here")},
	}

	var offsets []int64
	for _, b := range blocks {
		off, err := bf.Append(b)
		if err != nil {
			t.Fatalf("append block %d: %v", b.BlockID, err)
		}
		offsets = append(offsets, off)
	}

	locs := bf.Locations()
	if len(locs) != len(blocks) {
		t.Fatalf("expected %d locations, got %d", len(blocks), len(locs))
	}
	for i, loc := range locs {
		if loc.Offset != offsets[i] {
			t.Fatalf("location %d offset mismatch: got %d want %d", i, loc.Offset, offsets[i])
		}
		if loc.Type != blocks[i].Type {
			t.Fatalf("location %d type mismatch: got %v want %v", i, loc.Type, blocks[i].Type)
		}
	}

	for i, off := range offsets {
		got, err := bf.ReadAt(off)
		if err != nil {
			t.Fatalf("read at %d: %v", off, err)
		}
		if string(got.Payload) != string(blocks[i].Payload) {
			t.Fatalf("payload mismatch at %d: got %q want %q", i, got.Payload, blocks[i].Payload)
		}
	}

	var seen []int64
	err = bf.Scan(func(b Block, loc BlockLocation) error {
		seen = append(seen, b.BlockID)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("unexpected scan order: %v", seen)
	}
}

func TestBlockFileReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.emdb")

	bf, _, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := bf.Append(Block{BlockID: 1, Type: TypeMetadata, Timestamp: 1, Payload: []byte("a")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := bf.Append(Block{BlockID: 2, Type: TypeMetadata, Timestamp: 2, Payload: []byte("bb")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := bf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bf2, report, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer bf2.Close()
	if report.BlocksRead != 2 {
		t.Fatalf("expected 2 blocks rebuilt from scan, got %d", report.BlocksRead)
	}
	if len(bf2.Locations()) != 2 {
		t.Fatalf("expected 2 locations after reopen, got %d", len(bf2.Locations()))
	}
}

func TestBlockFileReadAtOutOfRange(t *testing.T) {
	dir := t.TempDir()
	bf, _, err := Open(filepath.Join(dir, "test.emdb"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bf.Close()
	if _, err := bf.ReadAt(999); err == nil {
		t.Fatalf("expected error reading out-of-range offset")
	}
}

func TestScanResyncsPastTornRegion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.emdb")

	bf, _, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := bf.Append(Block{BlockID: 1, Type: TypeMetadata, Timestamp: 1, Payload: []byte("first")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	secondOffset, err := bf.Append(Block{BlockID: 2, Type: TypeMetadata, Timestamp: 2, Payload: []byte("second-block")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := bf.Append(Block{BlockID: 3, Type: TypeMetadata, Timestamp: 3, Payload: []byte("third")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := bf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Corrupt the second block's header magic so it no longer parses as a
	// valid frame start, simulating a torn/garbage region mid-file.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF, 0xFF, 0xFF}, secondOffset); err != nil {
		t.Fatalf("corrupt header: %v", err)
	}
	f.Close()

	bf2, report, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	defer bf2.Close()

	if report.TruncatedAt == -1 {
		t.Fatalf("expected scan to report the torn region")
	}
	if report.BlocksRead != 2 {
		t.Fatalf("expected to recover 2 of 3 blocks (skipping the torn one), got %d", report.BlocksRead)
	}

	var ids []int64
	_ = bf2.Scan(func(b Block, loc BlockLocation) error {
		ids = append(ids, b.BlockID)
		return nil
	})
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("expected to recover blocks 1 and 3 around the torn block, got %v", ids)
	}
}
