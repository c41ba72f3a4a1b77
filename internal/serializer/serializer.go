// Package serializer implements spec.md §4.4: deterministic per-block-type
// encoding dispatched on blockfile.PayloadEncoding. Only EncodingJSON has a
// working codec — EncodingProtobuf and EncodingCapnProto are registered
// as recognized-but-unimplemented tags (see DESIGN.md) so a deployment
// that encounters them on read gets UnknownEncoding rather than a panic.
//
// Determinism for EncodingJSON comes from encoding structs, never maps:
// encoding/json marshals struct fields in declaration order, which is
// exactly the "stable field order" spec.md §4.4 requires, without needing
// a canonical-JSON library.
package serializer

import (
	"encoding/json"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// Encode serializes v under encoding, returning the bytes BlockStore will
// hand to PayloadCodec.
func Encode(encoding blockfile.PayloadEncoding, v any) ([]byte, error) {
	switch encoding {
	case blockfile.EncodingJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, emailerr.Wrap(emailerr.SchemaError, err, "encode json")
		}
		return b, nil
	case blockfile.EncodingRaw:
		b, ok := v.([]byte)
		if !ok {
			return nil, emailerr.New(emailerr.SchemaError, "raw encoding requires []byte, got %T", v)
		}
		return b, nil
	case blockfile.EncodingProtobuf, blockfile.EncodingCapnProto:
		return nil, emailerr.New(emailerr.UnknownEncoding, "encoding %v is recognized but not implemented in this build", encoding)
	default:
		return nil, emailerr.New(emailerr.UnknownEncoding, "unrecognized payload encoding %d", encoding)
	}
}

// Decode deserializes data under encoding into the type pointed to by out.
func Decode(encoding blockfile.PayloadEncoding, data []byte, out any) error {
	switch encoding {
	case blockfile.EncodingJSON:
		if err := json.Unmarshal(data, out); err != nil {
			return emailerr.Wrap(emailerr.SchemaError, err, "decode json")
		}
		return nil
	case blockfile.EncodingRaw:
		ptr, ok := out.(*[]byte)
		if !ok {
			return emailerr.New(emailerr.SchemaError, "raw encoding requires *[]byte, got %T", out)
		}
		*ptr = append([]byte(nil), data...)
		return nil
	case blockfile.EncodingProtobuf, blockfile.EncodingCapnProto:
		return emailerr.New(emailerr.UnknownEncoding, "encoding %v is recognized but not implemented in this build", encoding)
	default:
		return emailerr.New(emailerr.UnknownEncoding, "unrecognized payload encoding %d", encoding)
	}
}
