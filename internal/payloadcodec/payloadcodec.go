// Package payloadcodec implements spec.md §4.2: the compress-then-encrypt
// write path and decrypt-then-decompress read path that sits between
// Serializer and BlockFile. Algorithm ids are the 7-bit values packed into
// blockfile.Flags; see DESIGN.md for the frozen id table.
package payloadcodec

import (
	"crypto/rand"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// Compression algorithm ids, packed into the low 7 bits of blockfile.Flags.
const (
	CompressionNone uint8 = iota
	CompressionLZ4
	CompressionGzip
	CompressionZstd
	CompressionBrotli
)

// Encryption algorithm ids, packed into the next 7 bits of blockfile.Flags.
const (
	EncryptionNone uint8 = iota
	EncryptionAES256GCM
	EncryptionChaCha20Poly1305
	EncryptionAES256CBCHMAC
)

// KeyLookup resolves a key_id to raw key bytes, satisfied by KeyStore.
type KeyLookup interface {
	KeyBytes(keyID string) ([]byte, error)
}

// Codec holds the registries and the minimum-size compression threshold.
type Codec struct {
	compressors map[uint8]compressor
	encryptors  map[uint8]encryptor
	minSize     int // spec.md §4.2 "min_threshold"
}

type compressor interface {
	compress(plaintext []byte) ([]byte, error)
	decompress(compressed []byte, uncompressedSize uint64) ([]byte, error)
}

type encryptor interface {
	nonceSize() int
	encrypt(plaintext, key, iv []byte) (ciphertext, authTag []byte, err error)
	decrypt(ciphertext, key, iv, authTag []byte) ([]byte, error)
}

// Option configures a new Codec.
type Option func(*Codec)

// WithMinCompressionSize overrides the default 256-byte compression
// threshold (spec.md §4.2 thresholding rule).
func WithMinCompressionSize(n int) Option {
	return func(c *Codec) { c.minSize = n }
}

// New builds a Codec with every known algorithm registered.
func New(opts ...Option) *Codec {
	c := &Codec{
		compressors: map[uint8]compressor{
			CompressionLZ4:    lz4Compressor{},
			CompressionGzip:   gzipCompressor{},
			CompressionZstd:   zstdCompressor{},
			CompressionBrotli: brotliCompressor{},
		},
		encryptors: map[uint8]encryptor{
			EncryptionAES256GCM:        aesGCMEncryptor{},
			EncryptionChaCha20Poly1305: chachaEncryptor{},
			EncryptionAES256CBCHMAC:    aesCBCHMACEncryptor{},
		},
		minSize: 256,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode runs the write path: compress (if requested and above threshold),
// then encrypt (if requested), returning the on-disk payload and the
// extended header describing what was done. It enforces spec.md §4.2's
// "flags == 0 ⇒ payload is verbatim" law by clearing the compression bit
// when the threshold isn't met — the returned effective flags reflect
// whatever was actually applied, not merely what was requested.
func (c *Codec) Encode(plaintext []byte, compressionID, encryptionID uint8, keyID string, keys KeyLookup) (payload []byte, ext *blockfile.ExtendedHeader, effectiveCompressionID uint8, err error) {
	effectiveCompressionID = compressionID
	body := plaintext
	var extHdr blockfile.ExtendedHeader

	if compressionID != CompressionNone && len(plaintext) >= c.minSize {
		comp, ok := c.compressors[compressionID]
		if !ok {
			return nil, nil, 0, emailerr.New(emailerr.UnknownEncoding, "unknown compression id %d", compressionID)
		}
		compressed, cerr := comp.compress(plaintext)
		if cerr != nil {
			return nil, nil, 0, emailerr.Wrap(emailerr.Internal, cerr, "compress")
		}
		body = compressed
		extHdr.Compressed = true
		extHdr.UncompressedSize = uint64(len(plaintext))
	} else {
		effectiveCompressionID = CompressionNone
	}

	if encryptionID != EncryptionNone {
		enc, ok := c.encryptors[encryptionID]
		if !ok {
			return nil, nil, 0, emailerr.New(emailerr.UnknownEncoding, "unknown encryption id %d", encryptionID)
		}
		if keys == nil || keyID == "" {
			return nil, nil, 0, emailerr.New(emailerr.Internal, "encryption requested without a key_id")
		}
		key, kerr := keys.KeyBytes(keyID)
		if kerr != nil {
			return nil, nil, 0, kerr
		}
		iv := make([]byte, enc.nonceSize())
		if _, rerr := rand.Read(iv); rerr != nil {
			return nil, nil, 0, emailerr.Wrap(emailerr.Internal, rerr, "generate iv")
		}
		ciphertext, authTag, eerr := enc.encrypt(body, key, iv)
		if eerr != nil {
			return nil, nil, 0, emailerr.Wrap(emailerr.Internal, eerr, "encrypt")
		}
		body = ciphertext
		extHdr.Encrypted = true
		extHdr.IV = iv
		extHdr.AuthTag = authTag
		extHdr.KeyID = keyID
	}

	if !extHdr.Compressed && !extHdr.Encrypted {
		return plaintext, nil, CompressionNone, nil
	}
	return body, &extHdr, effectiveCompressionID, nil
}

// Decode runs the read path: decrypt (if ext says so), then decompress
// (if ext says so), mirroring Encode. A failed AEAD check returns
// emailerr.AuthTagMismatch and the caller must not attempt to further
// deserialize the returned (nil) plaintext — spec.md §4.2: "poisons that
// block-id for the session".
func (c *Codec) Decode(onDisk []byte, compressionID, encryptionID uint8, ext *blockfile.ExtendedHeader, keys KeyLookup) ([]byte, error) {
	body := onDisk

	if encryptionID != EncryptionNone {
		if ext == nil || !ext.Encrypted {
			return nil, emailerr.New(emailerr.FramingError, "flags indicate encryption but extended header is absent")
		}
		enc, ok := c.encryptors[encryptionID]
		if !ok {
			return nil, emailerr.New(emailerr.UnknownEncoding, "unknown encryption id %d", encryptionID)
		}
		if keys == nil {
			return nil, emailerr.New(emailerr.Internal, "decryption requested without a key source")
		}
		key, kerr := keys.KeyBytes(ext.KeyID)
		if kerr != nil {
			return nil, kerr
		}
		plain, derr := enc.decrypt(body, key, ext.IV, ext.AuthTag)
		if derr != nil {
			return nil, emailerr.Wrap(emailerr.AuthTagMismatch, derr, "authenticated decryption failed")
		}
		body = plain
	}

	if compressionID != CompressionNone {
		if ext == nil || !ext.Compressed {
			return nil, emailerr.New(emailerr.FramingError, "flags indicate compression but extended header is absent")
		}
		comp, ok := c.compressors[compressionID]
		if !ok {
			return nil, emailerr.New(emailerr.UnknownEncoding, "unknown compression id %d", compressionID)
		}
		plain, derr := comp.decompress(body, ext.UncompressedSize)
		if derr != nil {
			return nil, emailerr.Wrap(emailerr.Internal, derr, "decompress")
		}
		body = plain
	}

	return body, nil
}
