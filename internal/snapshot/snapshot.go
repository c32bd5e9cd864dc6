// Package snapshot captures a session's history into a content-addressed
// manifest and restores it through the checkpoint store collaborator.
package snapshot

import (
	"fmt"
	"time"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/canonjson"
	"github.com/runmux/runmux/internal/checksum"
	"github.com/runmux/runmux/internal/record"
	"github.com/runmux/runmux/internal/session"
)

// Command captures how the session's subprocess is launched, so a restored
// session can start the same way.
type Command struct {
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Dir  string            `json:"dir,omitempty"`
}

// Snapshot is a point-in-time capture of one session: enough to preload a
// new session with the same history without starting it.
type Snapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	Integrity  string          `json:"integrity,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
	SessionID  string          `json:"session_id"`
	State      session.State   `json:"state"`
	Executable binary.Info     `json:"executable"`
	Command    Command         `json:"command"`
	Params     map[string]any  `json:"params,omitempty"`
	Records    []record.Record `json:"records"`
	Metrics    session.Metrics `json:"metrics"`
}

// Capture builds a snapshot of s at the current instant.
func Capture(s *session.Session, cmd Command) (*Snapshot, error) {
	snap := &Snapshot{
		CapturedAt: time.Now().UTC(),
		SessionID:  s.ID(),
		State:      s.State(),
		Executable: s.Executable(),
		Command:    cmd,
		Params:     s.Params(),
		Records:    s.History(),
		Metrics:    s.Metrics(),
	}

	id, sum, err := computeID(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to compute snapshot ID: %w", err)
	}
	snap.SnapshotID = id
	snap.Integrity = sum
	return snap, nil
}

// VerifyIntegrity recomputes the manifest checksum and compares it to the
// recorded one, catching manifests corrupted or edited at rest. Manifests
// without a recorded checksum pass.
func VerifyIntegrity(snap *Snapshot) error {
	if snap.Integrity == "" {
		return nil
	}
	data, err := canonicalBytes(snap)
	if err != nil {
		return fmt.Errorf("failed to canonicalize snapshot: %w", err)
	}
	return checksum.Verify(data, snap.Integrity)
}

// canonicalBytes marshals the manifest with volatile fields cleared, so
// identical content always produces the same bytes.
func canonicalBytes(snap *Snapshot) ([]byte, error) {
	originalID := snap.SnapshotID
	originalAt := snap.CapturedAt
	originalSum := snap.Integrity
	snap.SnapshotID = ""
	snap.CapturedAt = time.Time{}
	snap.Integrity = ""
	defer func() {
		snap.SnapshotID = originalID
		snap.CapturedAt = originalAt
		snap.Integrity = originalSum
	}()

	return canonjson.Marshal(snap)
}

// computeID generates the snapshot ID and the full manifest checksum.
// ID format: "snap-" + first 12 hex chars of SHA256(canonical_json(snapshot)).
func computeID(snap *Snapshot) (string, string, error) {
	data, err := canonicalBytes(snap)
	if err != nil {
		return "", "", fmt.Errorf("failed to canonicalize snapshot: %w", err)
	}

	sum := checksum.SHA256Bytes(data)
	if len(sum) < 19 { // "sha256:" (7) + 12 chars
		return "", "", fmt.Errorf("hash too short: %s", sum)
	}
	return "snap-" + sum[7:19], sum, nil
}
