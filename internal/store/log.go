package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// SnapshotLog is the durable append-only record of session states and the
// ground truth of the store. Each line of the backing file is one full
// serialized session snapshot (or tombstone). The log is never rewritten in
// place; Rewrite exists solely for compaction and swaps the file atomically.
type SnapshotLog struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotLog creates a snapshot log backed by the given file path.
// The file is created lazily on first append.
func NewSnapshotLog(path string) *SnapshotLog {
	return &SnapshotLog{path: path}
}

// Path returns the backing file path.
func (l *SnapshotLog) Path() string {
	return l.path
}

// Append durably appends one snapshot as a single line write. Write failures
// propagate to the caller; nothing is swallowed.
func (l *SnapshotLog) Append(snap chattypes.Session) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot for session %s: %w", snap.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open snapshot log: %w", err)
	}
	defer func() { _ = f.Close() }()

	// One Write call per snapshot keeps the line append atomic at the OS
	// level under concurrent in-flight turns.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append snapshot for session %s: %w", snap.ID, err)
	}
	return nil
}

// ReadAll returns every stored snapshot in append order. Corrupt lines are
// skipped and logged; damage is isolated to the offending line.
func (l *SnapshotLog) ReadAll() ([]chattypes.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open snapshot log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []chattypes.Session
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap chattypes.Session
		if err := json.Unmarshal(line, &snap); err != nil {
			logger.Warn("Skipping corrupt snapshot line", "line", lineNo, "error", err)
			continue
		}
		if snap.ID == "" {
			logger.Warn("Skipping snapshot without id", "line", lineNo)
			continue
		}
		out = append(out, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot log: %w", err)
	}
	return out, nil
}

// Rewrite replaces the entire log with the given snapshots. It writes to a
// temporary file and renames it over the log so a crash mid-rewrite cannot
// lose data. Only compaction calls this.
func (l *SnapshotLog) Rewrite(snaps []chattypes.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open temp snapshot log: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("marshal snapshot for session %s: %w", snap.ID, err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("write temp snapshot log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("flush temp snapshot log: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp snapshot log: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp snapshot log: %w", err)
	}

	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap snapshot log: %w", err)
	}
	return nil
}
