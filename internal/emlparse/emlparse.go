// Package emlparse extracts the envelope fields and body bytes Coordinator
// needs out of a raw RFC 5322 message, using the standard library's own
// mail parser (no third-party RFC 5322 parser appears anywhere in the
// example corpus; net/mail is the idiomatic, already-reviewed tool for
// this narrow, well-specified grammar, so it is used directly rather than
// hand-rolled).
package emlparse

import (
	"bytes"
	"io"
	"net/mail"
	"strings"

	"github.com/Ap3pp3rs94/emaildb/internal/emailerr"
)

// Parsed holds everything Coordinator needs to build an EmailEnvelope and
// compute the dedup hashes, without retaining the parsed message itself.
type Parsed struct {
	Headers   map[string]string
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      string
	Body      []byte
}

// Parse parses raw RFC 5322 message bytes.
func Parse(raw []byte) (Parsed, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, emailerr.Wrap(emailerr.SchemaError, err, "parse email message")
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return Parsed{}, emailerr.Wrap(emailerr.SchemaError, err, "read email body")
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		headers[k] = strings.Join(v, ", ")
	}

	var to []string
	if addrs, err := msg.Header.AddressList("To"); err == nil {
		for _, a := range addrs {
			to = append(to, a.Address)
		}
	}

	return Parsed{
		Headers:   headers,
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<>"),
		Subject:   msg.Header.Get("Subject"),
		From:      msg.Header.Get("From"),
		To:        to,
		Date:      msg.Header.Get("Date"),
		Body:      body,
	}, nil
}
