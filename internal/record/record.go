// Package record defines the unit of decoded subprocess output. Every line a
// managed subprocess emits on stdout becomes exactly one Record (empty lines
// excepted), including lines that fail to decode.
package record

import (
	"time"
	"unicode/utf8"
)

// Well-known record types. Any other value of Type is application-defined and
// routed verbatim.
const (
	// TypeEnd marks the subprocess's own declaration that its work is done.
	// A clean exit without a prior end record is treated as premature.
	TypeEnd = "end"
	// TypeParseError is synthesized for lines that are not valid JSON.
	TypeParseError = "parse_error"
)

// PreviewLimit bounds the diagnostic preview carried by parse_error payloads.
const PreviewLimit = 256

// Record is one decoded unit from a subprocess's newline-delimited output
// stream. Immutable once appended to a session's history.
type Record struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Raw       []byte         `json:"raw,omitempty"`
	RawOffset int64          `json:"raw_offset"`
	At        time.Time      `json:"at"`

	// HandlerErrors collects failures from handlers that processed this
	// record. A failing handler never halts the chain; its error lands here.
	HandlerErrors []string `json:"handler_errors,omitempty"`
}

// IsParseError reports whether the record was synthesized from an
// undecodable line.
func (r *Record) IsParseError() bool {
	return r.Type == TypeParseError
}

// Preview returns a bounded, printable rendition of raw bytes for
// diagnostics. Control and non-UTF-8 bytes are replaced so the result is
// always safe to log.
func Preview(raw []byte) string {
	limit := len(raw)
	truncated := false
	if limit > PreviewLimit {
		limit = PreviewLimit
		truncated = true
	}

	out := make([]rune, 0, limit)
	for i := 0; i < limit; {
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size == 1 {
			out = append(out, '�')
			i++
			continue
		}
		if r < 0x20 && r != '\t' {
			out = append(out, '�')
		} else {
			out = append(out, r)
		}
		i += size
	}
	if truncated {
		out = append(out, []rune("...")...)
	}
	return string(out)
}
