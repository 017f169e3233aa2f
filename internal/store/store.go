// Package store materializes the append-only snapshot log into current
// sessions and archives. It exposes CRUD, archival, compaction and bulk
// import/export on top of a pure fold over the log.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// Import modes accepted by ImportAll.
const (
	ImportModeAppend  = "append"
	ImportModeReplace = "replace"
)

// Store is the session store. It deliberately has no per-session locking:
// a coarse mutex serializes read-modify-write sequences, which is sufficient
// under the single-user assumption (see AppendMessage callers).
type Store struct {
	log      *SnapshotLog
	archives *ArchiveStore
	mu       sync.Mutex

	// now is injectable for deterministic tests.
	now func() float64
}

// New creates a store rooted at dataDir. The directory is created if absent.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	archives, err := NewArchiveStore(filepath.Join(dataDir, "archives"))
	if err != nil {
		return nil, err
	}
	return &Store{
		log:      NewSnapshotLog(filepath.Join(dataDir, "sessions.jsonl")),
		archives: archives,
		now:      func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}, nil
}

// SetClock overrides the store clock. Intended for tests.
func (s *Store) SetClock(now func() float64) {
	s.now = now
}

// Log exposes the underlying snapshot log.
func (s *Store) Log() *SnapshotLog {
	return s.log
}

// Fold collapses snapshots in append order into per-id state, keeping the
// latest snapshot for each id (tombstones included; callers filter). The
// fold is pure so it can be tested independently of storage.
func Fold(snaps []chattypes.Session) map[string]chattypes.Session {
	byID := make(map[string]chattypes.Session, len(snaps))
	for _, snap := range snaps {
		byID[snap.ID] = snap
	}
	return byID
}

// materialize reads the log and folds it into current per-id state.
func (s *Store) materialize() (map[string]chattypes.Session, error) {
	snaps, err := s.log.ReadAll()
	if err != nil {
		return nil, err
	}
	return Fold(snaps), nil
}

// getLive returns the live (non-tombstoned) session for id.
func getLive(byID map[string]chattypes.Session, id string) (chattypes.Session, error) {
	sess, ok := byID[id]
	if !ok || sess.IsTombstone() {
		return chattypes.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// newID generates an opaque session token. Hex without separators, matching
// the historical on-disk id format.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// List returns all live sessions sorted by updated_at descending.
func (s *Store) List() ([]chattypes.SessionSummary, error) {
	byID, err := s.materialize()
	if err != nil {
		return nil, err
	}

	out := make([]chattypes.SessionSummary, 0, len(byID))
	for _, sess := range byID {
		if sess.IsTombstone() {
			continue
		}
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns the live session with the given id.
func (s *Store) Get(id string) (chattypes.Session, error) {
	byID, err := s.materialize()
	if err != nil {
		return chattypes.Session{}, err
	}
	sess, err := getLive(byID, id)
	if err != nil {
		return chattypes.Session{}, err
	}
	return sess.Clone(), nil
}

// Create appends a fresh session snapshot and returns it. Empty title and
// group fall back to defaults.
func (s *Store) Create(title, group string) (chattypes.Session, error) {
	if strings.TrimSpace(title) == "" {
		title = chattypes.DefaultTitle
	}
	if strings.TrimSpace(group) == "" {
		group = chattypes.DefaultGroup
	}

	now := s.now()
	sess := chattypes.Session{
		ID:        newID(),
		Title:     title,
		Group:     group,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []chattypes.Message{},
	}
	if err := s.log.Append(sess); err != nil {
		return chattypes.Session{}, err
	}
	logger.StoreOperation("create", "session", sess.ID, "title", title)
	return sess, nil
}

// Rename sets a new title on the session and appends the updated snapshot.
func (s *Store) Rename(id, title string) (chattypes.Session, error) {
	return s.mutate(id, func(sess *chattypes.Session) error {
		title = strings.TrimSpace(title)
		if title == "" {
			return fmt.Errorf("title is required: %w", ErrValidation)
		}
		sess.Title = title
		return nil
	})
}

// SetGroup moves the session into a different group.
func (s *Store) SetGroup(id, group string) (chattypes.Session, error) {
	return s.mutate(id, func(sess *chattypes.Session) error {
		group = strings.TrimSpace(group)
		if group == "" {
			group = chattypes.DefaultGroup
		}
		sess.Group = group
		return nil
	})
}

// AppendMessage appends one message to the session's conversation.
func (s *Store) AppendMessage(id string, msg chattypes.Message) (chattypes.Session, error) {
	return s.mutate(id, func(sess *chattypes.Session) error {
		sess.Messages = append(sess.Messages, msg)
		return nil
	})
}

// TruncateMessages drops messages from index n onward. Used by regeneration
// to pop the assistant message being replaced.
func (s *Store) TruncateMessages(id string, n int) (chattypes.Session, error) {
	return s.mutate(id, func(sess *chattypes.Session) error {
		if n < 0 || n > len(sess.Messages) {
			return fmt.Errorf("truncate index %d out of range: %w", n, ErrValidation)
		}
		sess.Messages = sess.Messages[:n]
		return nil
	})
}

// mutate runs a read-modify-write cycle on a live session under the store
// mutex: materialize, apply fn, refresh updated_at, append the new snapshot.
func (s *Store) mutate(id string, fn func(*chattypes.Session) error) (chattypes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.materialize()
	if err != nil {
		return chattypes.Session{}, err
	}
	sess, err := getLive(byID, id)
	if err != nil {
		return chattypes.Session{}, err
	}
	sess = sess.Clone()
	if err := fn(&sess); err != nil {
		return chattypes.Session{}, err
	}
	sess.UpdatedAt = s.now()
	if err := s.log.Append(sess); err != nil {
		return chattypes.Session{}, err
	}
	return sess, nil
}

// Delete hard-deletes a session by appending a tombstone. No archive is
// produced. Once tombstoned, every further mutation fails with ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.materialize()
	if err != nil {
		return err
	}
	sess, err := getLive(byID, id)
	if err != nil {
		return err
	}
	if err := s.log.Append(s.tombstone(sess)); err != nil {
		return err
	}
	logger.StoreOperation("delete", "session", id)
	return nil
}

// Archive renders the session to flat text, stores it as an archive under a
// fresh id, and tombstones the session. Archiving and hard-delete are
// mutually exclusive terminal operations.
func (s *Store) Archive(id string) (chattypes.ArchiveSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.materialize()
	if err != nil {
		return chattypes.ArchiveSummary{}, err
	}
	sess, err := getLive(byID, id)
	if err != nil {
		return chattypes.ArchiveSummary{}, err
	}

	arch := chattypes.Archive{
		ID:         newID(),
		SessionID:  sess.ID,
		Title:      sess.Title,
		Group:      sess.Group,
		CreatedAt:  sess.CreatedAt,
		ArchivedAt: s.now(),
		FlatText:   renderMarkdown(sess),
		Session:    sess.Clone(),
	}
	if err := s.archives.Put(arch); err != nil {
		return chattypes.ArchiveSummary{}, err
	}
	if err := s.log.Append(s.tombstone(sess)); err != nil {
		return chattypes.ArchiveSummary{}, err
	}
	logger.StoreOperation("archive", "session", id, "archive", arch.ID)
	return arch.Summary(), nil
}

// tombstone builds the sentinel snapshot marking the session deleted.
func (s *Store) tombstone(sess chattypes.Session) chattypes.Session {
	return chattypes.Session{
		ID:        sess.ID,
		Title:     chattypes.DeletedTitle,
		Group:     sess.Group,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: s.now(),
		Messages:  []chattypes.Message{},
		Deleted:   true,
	}
}

// ListArchives returns archive summaries, newest first.
func (s *Store) ListArchives() ([]chattypes.ArchiveSummary, error) {
	return s.archives.List()
}

// GetArchive returns a stored archive by its id.
func (s *Store) GetArchive(id string) (chattypes.Archive, error) {
	return s.archives.Get(id)
}

// DeleteArchive removes an archive. Archives live in a separate keyspace and
// are removed directly, not tombstoned.
func (s *Store) DeleteArchive(id string) error {
	return s.archives.Delete(id)
}

// ExportMarkdown renders the session as a deterministic markdown document.
func (s *Store) ExportMarkdown(id string) (string, error) {
	sess, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return renderMarkdown(sess), nil
}

// ExportAll returns every live session, sorted by updated_at descending.
func (s *Store) ExportAll() ([]chattypes.Session, error) {
	byID, err := s.materialize()
	if err != nil {
		return nil, err
	}
	out := make([]chattypes.Session, 0, len(byID))
	for _, sess := range byID {
		if sess.IsTombstone() {
			continue
		}
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ImportAll bulk-imports sessions. In replace mode every existing live
// session is tombstoned first, then all imported sessions are appended. In
// append mode sessions whose id already exists live are skipped.
func (s *Store) ImportAll(sessions []chattypes.Session, mode string) (chattypes.ImportStats, error) {
	if mode != ImportModeAppend && mode != ImportModeReplace {
		return chattypes.ImportStats{}, fmt.Errorf("mode must be append or replace: %w", ErrValidation)
	}
	for i := range sessions {
		if sessions[i].ID == "" {
			return chattypes.ImportStats{}, fmt.Errorf("session at index %d missing id: %w", i, ErrValidation)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, err := s.materialize()
	if err != nil {
		return chattypes.ImportStats{}, err
	}

	if mode == ImportModeReplace {
		for _, sess := range byID {
			if sess.IsTombstone() {
				continue
			}
			if err := s.log.Append(s.tombstone(sess)); err != nil {
				return chattypes.ImportStats{}, err
			}
		}
	}

	var stats chattypes.ImportStats
	now := s.now()
	for _, sess := range sessions {
		if mode == ImportModeAppend {
			if existing, ok := byID[sess.ID]; ok && !existing.IsTombstone() {
				stats.Skipped++
				continue
			}
		}
		if sess.Title == "" {
			sess.Title = chattypes.DefaultTitle
		}
		if sess.Group == "" {
			sess.Group = chattypes.DefaultGroup
		}
		if sess.CreatedAt == 0 {
			sess.CreatedAt = now
		}
		if sess.UpdatedAt == 0 {
			sess.UpdatedAt = now
		}
		if sess.Messages == nil {
			sess.Messages = []chattypes.Message{}
		}
		sess.Deleted = false
		if err := s.log.Append(sess); err != nil {
			return chattypes.ImportStats{}, err
		}
		stats.Imported++
	}
	logger.StoreOperation("import", "mode", mode, "imported", stats.Imported, "skipped", stats.Skipped)
	return stats, nil
}

// Compact collapses each id's snapshot history into a single fresh snapshot
// carrying the latest state. Tombstoned ids are dropped entirely. Visible
// state is unchanged; only storage shrinks.
func (s *Store) Compact() (chattypes.CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.log.ReadAll()
	if err != nil {
		return chattypes.CompactStats{}, err
	}
	byID := Fold(snaps)

	live := make([]chattypes.Session, 0, len(byID))
	for _, sess := range byID {
		if sess.IsTombstone() {
			continue
		}
		live = append(live, sess)
	}
	// Oldest first so the compacted log keeps a stable append order.
	sort.Slice(live, func(i, j int) bool {
		if live[i].UpdatedAt != live[j].UpdatedAt {
			return live[i].UpdatedAt < live[j].UpdatedAt
		}
		return live[i].ID < live[j].ID
	})

	if err := s.log.Rewrite(live); err != nil {
		return chattypes.CompactStats{}, err
	}
	stats := chattypes.CompactStats{Before: len(snaps), After: len(live)}
	logger.StoreOperation("compact", "before", stats.Before, "after", stats.After)
	return stats, nil
}
