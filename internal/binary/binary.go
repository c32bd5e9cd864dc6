// Package binary resolves the external executable a session runs. The
// orchestrator consumes only the Resolver interface; PathResolver is the
// default implementation for local binaries on PATH.
package binary

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Info describes a resolved executable.
type Info struct {
	Path         string   `json:"path"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Resolver locates and describes an executable at session start.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Info, error)
}

// PathResolver resolves executables via PATH lookup and, optionally, probes
// the binary for a version string.
type PathResolver struct {
	// VersionArg, when non-empty, is passed to the binary to obtain a
	// version string (e.g. "--version"). The first output line is kept.
	VersionArg string
	// ProbeTimeout bounds the version probe. Zero means 2 seconds.
	ProbeTimeout time.Duration
}

// Resolve looks up name on PATH and probes its version when configured.
// Probe failures are non-fatal: the executable is usable without a version.
func (r *PathResolver) Resolve(ctx context.Context, name string) (Info, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return Info{}, fmt.Errorf("failed to resolve executable %q: %w", name, err)
	}

	info := Info{Path: path}

	if r.VersionArg != "" {
		timeout := r.ProbeTimeout
		if timeout == 0 {
			timeout = 2 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := exec.CommandContext(probeCtx, path, r.VersionArg).Output()
		if err == nil {
			if line, _, found := bytes.Cut(out, []byte{'\n'}); found || len(line) > 0 {
				info.Version = strings.TrimSpace(string(line))
			}
		}
	}

	return info, nil
}
