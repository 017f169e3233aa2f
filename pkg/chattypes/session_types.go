// Package chattypes defines the shared data types for the snlite chat server.
// This file contains the core types for sessions, messages, and archives that
// flow between the snapshot store, the stream orchestrator, and the transport.
package chattypes

// Role values carried by Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTitle is the placeholder title for freshly created sessions.
// Auto-titling only applies while a session still carries it.
const DefaultTitle = "New Chat"

// DefaultGroup is the group assigned to sessions created without one.
const DefaultGroup = "default"

// DeletedTitle is the title written into tombstone snapshots.
const DeletedTitle = "__deleted__"

// Message represents a single message in a conversation.
// Meta is an open key-value map: user messages carry the exact backend-facing
// prompt, system text, generation parameters, think mode and file-extraction
// summary (everything regeneration needs without re-deriving injected text);
// assistant messages carry finish_reason, elapsed_ms and output_chars.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Session represents one conversation and is the unit appended to the
// snapshot log. Timestamps are unix seconds, matching the on-disk format.
// A snapshot with Deleted set is a tombstone: once it is the latest snapshot
// for an id, the session is absent from every listing.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Group     string    `json:"group"`
	CreatedAt float64   `json:"created_at"`
	UpdatedAt float64   `json:"updated_at"`
	Messages  []Message `json:"messages"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// IsTombstone reports whether this snapshot marks the session as deleted.
func (s *Session) IsTombstone() bool {
	return s.Deleted || s.Title == DeletedTitle
}

// Clone returns a deep copy of the session so callers can mutate it without
// affecting materialized state.
func (s *Session) Clone() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i, m := range s.Messages {
		if m.Meta != nil {
			meta := make(map[string]any, len(m.Meta))
			for k, v := range m.Meta {
				meta[k] = v
			}
			out.Messages[i].Meta = meta
		}
	}
	return out
}

// SessionSummary is the listing view of a session, without message bodies.
type SessionSummary struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Group     string  `json:"group"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Summary returns the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Title:     s.Title,
		Group:     s.Group,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Archive is a session moved out of the live set: a flat text rendering plus
// the original structured data, keyed by its own id. Archives are immutable
// once created except for deletion.
type Archive struct {
	ID         string  `json:"id" yaml:"id"`
	SessionID  string  `json:"session_id" yaml:"session_id"`
	Title      string  `json:"title" yaml:"title"`
	Group      string  `json:"group" yaml:"group"`
	CreatedAt  float64 `json:"created_at" yaml:"created_at"`
	ArchivedAt float64 `json:"archived_at" yaml:"archived_at"`
	FlatText   string  `json:"flat_text" yaml:"flat_text"`
	Session    Session `json:"session" yaml:"session"`
}

// ArchiveSummary is the listing view of an archive, without its payload.
type ArchiveSummary struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Title      string  `json:"title"`
	Group      string  `json:"group"`
	ArchivedAt float64 `json:"archived_at"`
}

// Summary returns the listing view of the archive.
func (a *Archive) Summary() ArchiveSummary {
	return ArchiveSummary{
		ID:         a.ID,
		SessionID:  a.SessionID,
		Title:      a.Title,
		Group:      a.Group,
		ArchivedAt: a.ArchivedAt,
	}
}

// ImportStats reports the outcome of a bulk session import.
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// CompactStats reports snapshot record counts before and after compaction.
type CompactStats struct {
	Before int `json:"before"`
	After  int `json:"after"`
}
