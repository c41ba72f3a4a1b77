package blockfile

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// headerFixedLen is the byte length of the fixed header fields the header
// checksum covers: magic(8) version(2) type(1) flags(4) timestamp(8)
// block_id(8) payload_length(8) = 39 bytes.
const headerFixedLen = 8 + 2 + 1 + 4 + 8 + 8 + 8

// Encode frames b into its canonical on-disk byte layout (spec.md §6).
// b.Payload must already be in final on-disk form (compressed/encrypted by
// PayloadCodec); Encode only frames it.
func Encode(b Block) ([]byte, error) {
	ext := encodeExtendedHeader(b.Flags, b.Ext)

	buf := make([]byte, 0, headerFixedLen+4+len(ext)+len(b.Payload)+4+8+8)

	// Fixed header.
	buf = append(buf, HeaderMagic[:]...)
	buf = appendUint16(buf, FormatVersion)
	buf = append(buf, byte(b.Type))
	buf = appendUint32(buf, uint32(b.Flags))
	buf = appendInt64(buf, b.Timestamp)
	buf = appendInt64(buf, b.BlockID)
	buf = appendUint64(buf, uint64(len(b.Payload)))

	headerChecksum := crc32.ChecksumIEEE(buf)
	buf = appendUint32(buf, headerChecksum)

	buf = append(buf, ext...)
	payloadStart := len(buf)
	buf = append(buf, b.Payload...)
	payloadChecksum := crc32.ChecksumIEEE(buf[payloadStart:])
	buf = appendUint32(buf, payloadChecksum)

	buf = append(buf, FooterMagic[:]...)
	totalLen := uint64(len(buf) + 8)
	buf = appendUint64(buf, totalLen)

	return buf, nil
}

// encodeExtendedHeader lays out the extended header from the transform ids
// in flags, the same fields Decode expects; missing Ext values encode as
// zero/empty.
func encodeExtendedHeader(flags Flags, ext *ExtendedHeader) []byte {
	if !flags.HasTransform() {
		return nil
	}
	if ext == nil {
		ext = &ExtendedHeader{}
	}
	var out []byte
	if flags.CompressionID() != 0 {
		out = appendUint64(out, ext.UncompressedSize)
	}
	if flags.EncryptionID() != 0 {
		out = append(out, byte(len(ext.IV)))
		out = append(out, ext.IV...)
		out = append(out, byte(len(ext.AuthTag)))
		out = append(out, ext.AuthTag...)
		out = append(out, byte(len(ext.KeyID)))
		out = append(out, []byte(ext.KeyID)...)
	}
	return out
}

// DecodeResult is the outcome of decoding one frame starting at a byte
// offset: either a valid Block, a recoverable-but-unreadable block (good
// header, bad payload checksum, or bad auth tag upstream), or a framing
// failure.
type DecodeResult struct {
	Block        Block
	Consumed     int // bytes consumed, i.e. total_block_length; 0 if no valid header
	HeaderValid  bool
	PayloadValid bool
}

// Decode attempts to parse one frame starting at data[0]. It never panics
// on truncated or corrupt input. A framing problem is reported as
// emailerr.FramingError with Consumed==0, so callers doing a linear scan
// know to resync rather than trust a partial length. A payload checksum
// failure is reported as emailerr.ChecksumError with HeaderValid set and
// Consumed holding the full frame length.
func Decode(data []byte) (DecodeResult, error) {
	if len(data) < 8 || !matches(data[:8], HeaderMagic) {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "header magic mismatch")
	}
	if len(data) < headerFixedLen+4 {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "truncated header")
	}

	version := binary.LittleEndian.Uint16(data[8:10])
	if version != FormatVersion {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "unsupported format version %d", version)
	}
	typ := BlockType(data[10])
	flags := Flags(binary.LittleEndian.Uint32(data[11:15]))
	timestamp := int64(binary.LittleEndian.Uint64(data[15:23]))
	blockID := int64(binary.LittleEndian.Uint64(data[23:31]))
	payloadLen := binary.LittleEndian.Uint64(data[31:39])
	headerChecksum := binary.LittleEndian.Uint32(data[39:43])

	gotHeaderChecksum := crc32.ChecksumIEEE(data[:39])
	if gotHeaderChecksum != headerChecksum {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "header checksum mismatch")
	}

	off := 43
	var ext *ExtendedHeader
	if flags.HasTransform() {
		var n int
		var err error
		ext, n, err = decodeExtendedHeader(data[off:], flags)
		if err != nil {
			return DecodeResult{}, err
		}
		off += n
	}

	// payload_length is attacker/corruption controlled; bound it against
	// the remaining buffer before trusting it as a slice length.
	if payloadLen > uint64(len(data)-off) {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "payload length exceeds buffer")
	}
	payloadStart := off
	payloadEnd := off + int(payloadLen)
	if len(data) < payloadEnd+4+8+8 {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "truncated payload/footer")
	}
	payload := data[payloadStart:payloadEnd]
	payloadChecksum := binary.LittleEndian.Uint32(data[payloadEnd : payloadEnd+4])
	gotPayloadChecksum := crc32.ChecksumIEEE(payload)

	footerOff := payloadEnd + 4
	if !matches(data[footerOff:footerOff+8], FooterMagic) {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "footer magic mismatch")
	}
	totalLen := binary.LittleEndian.Uint64(data[footerOff+8 : footerOff+16])
	if totalLen != uint64(footerOff+16) {
		return DecodeResult{}, emailerr.New(emailerr.FramingError, "total_block_length mismatch")
	}

	b := Block{
		BlockID:         blockID,
		Type:            typ,
		Flags:           flags,
		Timestamp:       timestamp,
		PayloadEncoding: flags.PayloadEncoding(),
		Ext:             ext,
		Payload:         append([]byte(nil), payload...),
	}

	if gotPayloadChecksum != payloadChecksum {
		// Header framing is sound; contents are not. Caller decides
		// whether to report or discard (spec.md §3: "recoverable
		// framing, unreadable contents").
		return DecodeResult{
			Block:       b,
			Consumed:    int(totalLen),
			HeaderValid: true,
		}, emailerr.New(emailerr.ChecksumError, "payload checksum mismatch for block %d", blockID)
	}

	return DecodeResult{
		Block:        b,
		Consumed:     int(totalLen),
		HeaderValid:  true,
		PayloadValid: true,
	}, nil
}

func decodeExtendedHeader(data []byte, flags Flags) (*ExtendedHeader, int, error) {
	ext := &ExtendedHeader{}
	off := 0
	if flags.CompressionID() != 0 {
		if len(data) < off+8 {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (uncompressed_size)")
		}
		ext.Compressed = true
		ext.UncompressedSize = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	if flags.EncryptionID() != 0 {
		ext.Encrypted = true
		if len(data) < off+1 {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (iv_len)")
		}
		ivLen := int(data[off])
		off++
		if len(data) < off+ivLen {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (iv)")
		}
		ext.IV = append([]byte(nil), data[off:off+ivLen]...)
		off += ivLen

		if len(data) < off+1 {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (tag_len)")
		}
		tagLen := int(data[off])
		off++
		if len(data) < off+tagLen {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (tag)")
		}
		ext.AuthTag = append([]byte(nil), data[off:off+tagLen]...)
		off += tagLen

		if len(data) < off+1 {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (key_id_len)")
		}
		keyIDLen := int(data[off])
		off++
		if len(data) < off+keyIDLen {
			return nil, 0, emailerr.New(emailerr.FramingError, "truncated extended header (key_id)")
		}
		ext.KeyID = string(data[off : off+keyIDLen])
		off += keyIDLen
	}
	return ext, off, nil
}

func matches(got []byte, want [8]byte) bool {
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	return appendUint64(b, uint64(v))
}
