package blockfile

import (
	"testing"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	b := Block{
		BlockID:         7,
		Type:            TypeEmailBatch,
		Flags:           MakeFlags(1, 2, EncodingJSON),
		Timestamp:       1700000000000000000,
		PayloadEncoding: EncodingJSON,
		Ext: &ExtendedHeader{
			Compressed:       true,
			UncompressedSize: 4096,
			Encrypted:        true,
			IV:               []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			AuthTag:          []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
			KeyID:            "key-001",
		},
		Payload: []byte("hello, encrypted world"),
	}

	framed, err := Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	res, err := Decode(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.HeaderValid || !res.PayloadValid {
		t.Fatalf("expected fully valid frame, got header=%v payload=%v", res.HeaderValid, res.PayloadValid)
	}
	if res.Consumed != len(framed) {
		t.Fatalf("consumed %d, want %d", res.Consumed, len(framed))
	}

	got := res.Block
	if got.BlockID != b.BlockID || got.Type != b.Type || got.Flags != b.Flags || got.Timestamp != b.Timestamp {
		t.Fatalf("fixed fields mismatch: got %+v", got)
	}
	if string(got.Payload) != string(b.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, b.Payload)
	}
	if got.Ext == nil || got.Ext.KeyID != "key-001" || got.Ext.UncompressedSize != 4096 {
		t.Fatalf("extended header mismatch: got %+v", got.Ext)
	}
}

func TestEncodeDecodeNoTransform(t *testing.T) {
	b := Block{
		BlockID:   1,
		Type:      TypeFolder,
		Flags:     MakeFlags(0, 0, EncodingJSON),
		Timestamp: 1,
		Payload:   []byte(`{"name":"inbox"}`),
	}
	framed, err := Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := Decode(framed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Block.Ext != nil {
		t.Fatalf("expected nil extended header, got %+v", res.Block.Ext)
	}
}

func TestDecodeRejectsBadHeaderMagic(t *testing.T) {
	data := make([]byte, 64)
	_, err := Decode(data)
	if !emailerr.Is(err, emailerr.FramingError) {
		t.Fatalf("expected FramingError, got %v", err)
	}
}

func TestDecodeDetectsPayloadChecksumMismatch(t *testing.T) {
	b := Block{BlockID: 3, Type: TypeMetadata, Flags: MakeFlags(0, 0, EncodingJSON), Timestamp: 1, Payload: []byte("abc")}
	framed, err := Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip a byte in the payload region without touching the header
	// checksum, simulating bitrot after a valid append.
	framed[headerFixedLen+4] ^= 0xFF

	res, err := Decode(framed)
	if !emailerr.Is(err, emailerr.ChecksumError) {
		t.Fatalf("expected ChecksumError, got %v", err)
	}
	if !res.HeaderValid {
		t.Fatalf("expected header to still be reported valid")
	}
	if res.Consumed != len(framed) {
		t.Fatalf("expected Consumed to still report frame length so scanning can resync, got %d", res.Consumed)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	b := Block{BlockID: 1, Type: TypeMetadata, Flags: 0, Timestamp: 1, Payload: []byte("0123456789")}
	framed, err := Encode(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := framed[:len(framed)-5]
	_, err = Decode(truncated)
	if !emailerr.Is(err, emailerr.FramingError) {
		t.Fatalf("expected FramingError for truncated frame, got %v", err)
	}
}
