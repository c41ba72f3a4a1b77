// Package canonicalhash computes the two deduplication hashes spec.md §3
// defines for EmailHashedID: envelope_hash and content_hash. Both use
// SHA-256 over a deterministically-ordered encoding, the same approach the
// teacher's pkg/idempotency package uses to build stable cache/dedup keys
// from structured input: sort map keys, encode recursively, hash the
// resulting bytes.
package canonicalhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// EnvelopeFields is the tuple spec.md §3 defines envelope_hash over.
type EnvelopeFields struct {
	MessageID string
	From      string
	To        []string
	CC        []string
	InReplyTo string
	Date      string
	Subject   string
	Size      int64
}

// EnvelopeHash returns the lowercase hex SHA-256 of f's canonical encoding.
func EnvelopeHash(f EnvelopeFields) string {
	m := map[string]any{
		"message_id":  f.MessageID,
		"from":        f.From,
		"to":          append([]string(nil), f.To...),
		"cc":          append([]string(nil), f.CC...),
		"in_reply_to": f.InReplyTo,
		"date":        f.Date,
		"subject":     f.Subject,
		"size":        f.Size,
	}
	return HashMap(m)
}

// ContentHash returns the lowercase hex SHA-256 over canonical (CRLF
// normalized) message bytes: header block, a blank line, then body.
func ContentHash(headers map[string]string, body []byte) string {
	h := sha256.New()
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.ReplaceAll(headers[k], "\r\n", "\n")
		h.Write([]byte(strings.ToLower(strings.TrimSpace(k))))
		h.Write([]byte(":"))
		h.Write([]byte(v))
		h.Write([]byte("\n"))
	}
	h.Write([]byte("\n"))
	h.Write(normalizeCRLF(body))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeCRLF(b []byte) []byte {
	return []byte(strings.ReplaceAll(string(b), "\r\n", "\n"))
}

// HashMap hashes an arbitrary string-keyed map deterministically: keys are
// sorted, values are encoded recursively (strings, []string, ints), and the
// resulting byte stream is SHA-256'd.
func HashMap(m map[string]any) string {
	b := encodeDeterministic(m)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encodeDeterministic(v any) []byte {
	var sb strings.Builder
	encodeValue(&sb, v)
	return []byte(sb.String())
}

func encodeValue(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null;")
	case string:
		fmt.Fprintf(sb, "s:%d:%s;", len(t), t)
	case []string:
		sb.WriteString("[")
		for _, e := range t {
			encodeValue(sb, e)
		}
		sb.WriteString("]")
	case int:
		fmt.Fprintf(sb, "i:%d;", t)
	case int64:
		fmt.Fprintf(sb, "i:%d;", t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{")
		for _, k := range keys {
			fmt.Fprintf(sb, "k:%d:%s=", len(k), k)
			encodeValue(sb, t[k])
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "v:%v;", t)
	}
}
