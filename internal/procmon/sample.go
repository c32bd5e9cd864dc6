package procmon

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel clock tick divisor for /proc stat times. Linux fixes
// USER_HZ at 100 regardless of the scheduler tick.
const userHZ = 100

// Sample is a point-in-time resource reading for a supervised process.
type Sample struct {
	At         time.Time
	Alive      bool
	CPUPercent float64
	RSSBytes   int64
}

type cpuTimes struct {
	at    time.Time
	ticks uint64
}

// Sample reads CPU and memory usage from the /proc filesystem. CPU percent
// is computed against the previous call, so the first sample reports zero.
func (p *Proc) Sample() (Sample, error) {
	s := Sample{At: time.Now().UTC(), Alive: p.Alive()}
	if !s.Alive {
		return s, nil
	}

	ticks, err := readCPUTicks(p.pid)
	if err != nil {
		return s, fmt.Errorf("failed to read cpu times for pid %d: %w", p.pid, err)
	}

	p.mu.Lock()
	prev := p.lastCPU
	p.lastCPU = cpuTimes{at: s.At, ticks: ticks}
	p.mu.Unlock()

	if !prev.at.IsZero() && ticks >= prev.ticks {
		elapsed := s.At.Sub(prev.at).Seconds()
		if elapsed > 0 {
			cpuSeconds := float64(ticks-prev.ticks) / userHZ
			s.CPUPercent = cpuSeconds / elapsed * 100
		}
	}

	rss, err := readRSSBytes(p.pid)
	if err != nil {
		return s, fmt.Errorf("failed to read rss for pid %d: %w", p.pid, err)
	}
	s.RSSBytes = rss

	return s, nil
}

// readCPUTicks returns utime+stime from /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so fields are counted from the last ')'.
func readCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat file")
	}
	fields := strings.Fields(string(data[idx+1:]))
	// After ')': field 1 is state; utime and stime are fields 12 and 13.
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat file: %d fields", len(fields))
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad stime: %w", err)
	}
	return utime + stime, nil
}

// readRSSBytes returns resident set size from /proc/<pid>/statm.
func readRSSBytes(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm file")
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad rss pages: %w", err)
	}
	return pages * int64(os.Getpagesize()), nil
}
