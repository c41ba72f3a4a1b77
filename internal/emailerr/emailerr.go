// Package emailerr defines the stable error taxonomy shared by every engine
// component: a closed set of Code values, a metadata registry describing
// each code's retry/kind semantics, and an Error type that carries a code,
// a message, and optional structured details without ever leaking secret
// material.
package emailerr

import (
	"errors"
	"fmt"
	"sort"
)

// Code is a stable error code. Once assigned, a Code's meaning must not change.
type Code string

const (
	IoError          Code = "io_error"
	FramingError     Code = "framing_error"
	ChecksumError    Code = "checksum_error"
	AuthTagMismatch  Code = "auth_tag_mismatch"
	NotFound         Code = "not_found"
	BadCredential    Code = "bad_credential"
	NoUnlockMethods  Code = "no_unlock_methods"
	VersionMismatch  Code = "version_mismatch"
	UnknownEncoding  Code = "unknown_encoding"
	SchemaError      Code = "schema_error"
	Conflict         Code = "conflict"
	Cancelled        Code = "cancelled"
	DeadlineExceeded Code = "deadline_exceeded"
	Internal         Code = "internal"
)

// Kind buckets a Code by who's responsible for it, mirroring how a host
// would route the error (surface to caller vs. page an operator).
type Kind string

const (
	KindClient     Kind = "client"
	KindServer     Kind = "server"
	KindSecurity   Kind = "security"
	KindDependency Kind = "dependency"
)

// CodeMeta describes the blast radius and retry semantics of a Code.
type CodeMeta struct {
	Retryable   bool
	Kind        Kind
	Description string
}

var registry = map[Code]CodeMeta{
	IoError:          {Retryable: true, Kind: KindDependency, Description: "OS-level read/write/seek failure"},
	FramingError:     {Retryable: false, Kind: KindClient, Description: "bad magic, bad header checksum, or truncated frame"},
	ChecksumError:    {Retryable: false, Kind: KindClient, Description: "payload CRC mismatch"},
	AuthTagMismatch:  {Retryable: false, Kind: KindSecurity, Description: "AEAD authentication failed: tamper or wrong key"},
	NotFound:         {Retryable: false, Kind: KindClient, Description: "block id or key id absent"},
	BadCredential:    {Retryable: false, Kind: KindSecurity, Description: "unlock credential rejected"},
	NoUnlockMethods:  {Retryable: false, Kind: KindSecurity, Description: "no active KeyExchange methods on file"},
	VersionMismatch:  {Retryable: false, Kind: KindClient, Description: "on-disk version incompatible or requires migration"},
	UnknownEncoding:  {Retryable: false, Kind: KindClient, Description: "serializer does not recognize payload encoding"},
	SchemaError:      {Retryable: false, Kind: KindClient, Description: "payload failed to decode against its schema"},
	Conflict:         {Retryable: false, Kind: KindClient, Description: "duplicate block id, double flush, or stale head"},
	Cancelled:        {Retryable: false, Kind: KindClient, Description: "operation cancelled by caller"},
	DeadlineExceeded: {Retryable: true, Kind: KindClient, Description: "operation exceeded its deadline"},
	Internal:         {Retryable: false, Kind: KindServer, Description: "invariant violation; should not occur"},
}

// Meta returns the metadata for code, if known.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

// Known reports whether code is a registered taxonomy member.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns every known code, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Detail is one bounded key/value pair attached to an Error for diagnostic
// context. Values must never contain decrypted key material, passphrases,
// or raw email bodies.
type Detail struct {
	Key   string
	Value string
}

// Error is the concrete error type every engine API returns.
type Error struct {
	Code    Code
	Message string
	Details []Detail
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, emailerr.New(code, "")) style sentinel checks
// by comparing codes only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps cause, preserving it for errors.Unwrap/errors.As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail returns a copy of e with an additional bounded detail attached.
func (e *Error) WithDetail(key, value string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = append(append([]Detail(nil), e.Details...), Detail{Key: key, Value: value})
	return &cp
}

// CodeOf extracts the Code from err, walking the Unwrap chain. Returns
// (Internal, false) if err does not wrap an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return Internal, false
}

// Is reports whether err's code equals code, walking the Unwrap chain.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
