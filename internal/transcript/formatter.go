// Package transcript formats records and session status for console output.
package transcript

import (
	"fmt"
	"sort"
	"strings"

	"github.com/runmux/runmux/internal/orchestrator"
	"github.com/runmux/runmux/internal/record"
)

// Formatter renders engine output for humans.
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatRecord formats one decoded record for console display.
func (f *Formatter) FormatRecord(rec *record.Record) string {
	switch rec.Type {
	case record.TypeParseError:
		preview, _ := rec.Payload["preview"].(string)
		return fmt.Sprintf("[parse_error] offset=%d %s", rec.RawOffset, preview)

	case record.TypeEnd:
		return "[end]"

	default:
		var details string
		if msg, ok := rec.Payload["message"].(string); ok {
			details = msg
		} else {
			details = compactPayload(rec.Payload)
		}
		return fmt.Sprintf("[%s] %s", rec.Type, details)
	}
}

// FormatStatus formats a session status line.
func (f *Formatter) FormatStatus(st orchestrator.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-10s", st.ID, st.State)
	if st.PID != 0 {
		fmt.Fprintf(&b, "  pid=%d", st.PID)
	}
	if st.ExitCode != nil {
		fmt.Fprintf(&b, "  exit=%d", *st.ExitCode)
	}
	fmt.Fprintf(&b, "  records=%d", st.Metrics.RecordsParsed)
	if st.Metrics.ParseErrors > 0 {
		fmt.Fprintf(&b, "  parse_errors=%d", st.Metrics.ParseErrors)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "  error=%q", st.LastError)
	}
	return b.String()
}

// compactPayload renders small payloads inline, skipping the type tag.
func compactPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k == "type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
