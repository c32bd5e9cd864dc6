// Package ndjson turns raw subprocess output into newline-delimited JSON
// records and encodes outbound NDJSON messages.
package ndjson

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/runmux/runmux/internal/record"
)

// Framer accumulates raw byte chunks from one session's output pipe and
// produces decoded Records in arrival order. A Framer is owned by a single
// session pump and is not safe for concurrent use. The sequence it produces
// is finite: once the pipe closes the caller flushes any trailing partial
// line and the framer is done.
type Framer struct {
	acc    []byte
	offset int64 // stream offset of acc[0]
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends a chunk to the accumulator and returns all complete records
// that can be framed from it. A line that fails to decode yields a
// parse_error record and framing continues; empty lines yield nothing.
func (f *Framer) Push(chunk []byte) []record.Record {
	if len(chunk) == 0 {
		return nil
	}
	f.acc = append(f.acc, chunk...)

	var out []record.Record
	for {
		idx := bytes.IndexByte(f.acc, '\n')
		if idx < 0 {
			break
		}
		line := f.acc[:idx]
		lineOffset := f.offset

		f.acc = f.acc[idx+1:]
		f.offset += int64(idx + 1)

		if rec, ok := decodeLine(line, lineOffset); ok {
			out = append(out, rec)
		}
	}

	// Release the consumed prefix so the accumulator doesn't pin the whole
	// stream's backing array.
	if len(f.acc) == 0 {
		f.acc = nil
	} else {
		f.acc = append([]byte(nil), f.acc...)
	}
	return out
}

// Flush decodes a non-terminated trailing partial line at stream end.
// It returns false when nothing was buffered.
func (f *Framer) Flush() (record.Record, bool) {
	line := f.acc
	f.acc = nil
	rec, ok := decodeLine(line, f.offset)
	if ok {
		f.offset += int64(len(line))
	}
	return rec, ok
}

// Buffered returns the number of bytes held for a not-yet-terminated line.
func (f *Framer) Buffered() int {
	return len(f.acc)
}

// decodeLine turns one extracted line into a record. Empty lines (including
// a bare carriage return from CRLF input) produce no record.
func decodeLine(line []byte, offset int64) (record.Record, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return record.Record{}, false
	}

	raw := append([]byte(nil), line...)
	now := time.Now().UTC()

	var payload map[string]any
	if err := json.Unmarshal(line, &payload); err != nil {
		return record.Record{
			Type: record.TypeParseError,
			Payload: map[string]any{
				"error":   err.Error(),
				"preview": record.Preview(raw),
			},
			Raw:       raw,
			RawOffset: offset,
			At:        now,
		}, true
	}

	recType, _ := payload["type"].(string)
	if recType == "" {
		recType = "unknown"
	}

	return record.Record{
		Type:      recType,
		Payload:   payload,
		Raw:       raw,
		RawOffset: offset,
		At:        now,
	}, true
}
