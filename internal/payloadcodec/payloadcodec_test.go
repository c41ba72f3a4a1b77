package payloadcodec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

type memKeys map[string][]byte

func (m memKeys) KeyBytes(keyID string) ([]byte, error) {
	k, ok := m[keyID]
	if !ok {
		return nil, emailerr.New(emailerr.NotFound, "key %s", keyID)
	}
	return k, nil
}

func randomKey(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestRoundtripEveryCompressionNoEncryption(t *testing.T) {
	c := New()
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 50)

	for _, id := range []uint8{CompressionNone, CompressionLZ4, CompressionGzip, CompressionZstd, CompressionBrotli} {
		payload, ext, effID, err := c.Encode(plaintext, id, EncryptionNone, "", nil)
		if err != nil {
			t.Fatalf("compression %d: encode: %v", id, err)
		}
		if effID != id {
			t.Fatalf("compression %d: effective id changed to %d unexpectedly", id, effID)
		}
		got, err := c.Decode(payload, id, EncryptionNone, ext, nil)
		if err != nil {
			t.Fatalf("compression %d: decode: %v", id, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("compression %d: roundtrip mismatch", id)
		}
	}
}

func TestRoundtripEveryEncryptionNoCompression(t *testing.T) {
	c := New()
	plaintext := []byte("a short secret message")

	keys := memKeys{
		"aes-key":    randomKey(32),
		"chacha-key": randomKey(32),
		"cbc-key":    randomKey(64),
	}

	cases := []struct {
		id    uint8
		keyID string
	}{
		{EncryptionAES256GCM, "aes-key"},
		{EncryptionChaCha20Poly1305, "chacha-key"},
		{EncryptionAES256CBCHMAC, "cbc-key"},
	}

	for _, tc := range cases {
		payload, ext, _, err := c.Encode(plaintext, CompressionNone, tc.id, tc.keyID, keys)
		if err != nil {
			t.Fatalf("encryption %d: encode: %v", tc.id, err)
		}
		if ext == nil || !ext.Encrypted {
			t.Fatalf("encryption %d: expected extended header", tc.id)
		}
		got, err := c.Decode(payload, CompressionNone, tc.id, ext, keys)
		if err != nil {
			t.Fatalf("encryption %d: decode: %v", tc.id, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("encryption %d: roundtrip mismatch", tc.id)
		}
	}
}

func TestCompressThenEncryptRoundtrip(t *testing.T) {
	c := New()
	plaintext := bytes.Repeat([]byte("compress then encrypt "), 100)
	keys := memKeys{"k1": randomKey(32)}

	payload, ext, _, err := c.Encode(plaintext, CompressionZstd, EncryptionAES256GCM, "k1", keys)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !ext.Compressed || !ext.Encrypted {
		t.Fatalf("expected both transforms recorded: %+v", ext)
	}
	got, err := c.Decode(payload, CompressionZstd, EncryptionAES256GCM, ext, keys)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestBelowThresholdSkipsCompression(t *testing.T) {
	c := New(WithMinCompressionSize(256))
	plaintext := []byte("tiny")

	payload, ext, effID, err := c.Encode(plaintext, CompressionGzip, EncryptionNone, "", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if effID != CompressionNone {
		t.Fatalf("expected compression to be skipped below threshold, got effective id %d", effID)
	}
	if ext != nil {
		t.Fatalf("expected nil extended header when neither transform applied, got %+v", ext)
	}
	if !bytes.Equal(payload, plaintext) {
		t.Fatalf("expected verbatim payload below threshold")
	}
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	c := New()
	keys := memKeys{"k1": randomKey(32)}
	plaintext := []byte("sensitive message")

	payload, ext, _, err := c.Encode(plaintext, CompressionNone, EncryptionAES256GCM, "k1", keys)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload[0] ^= 0xFF

	_, err = c.Decode(payload, CompressionNone, EncryptionAES256GCM, ext, keys)
	if !emailerr.Is(err, emailerr.AuthTagMismatch) {
		t.Fatalf("expected AuthTagMismatch, got %v", err)
	}
}
