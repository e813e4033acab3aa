// Package session provides durable conversation memory for one workspace.
//
// Each session is one multi-turn conversation thread, persisted as a single
// JSON document under a workspace-scoped storage directory. Every mutation
// is flushed to disk before the mutating call returns, so in-memory and
// on-disk state never diverge across a process restart.
package session

import "time"

// SchemaVersion identifies the on-disk session format. Loading skips files
// written by a different (e.g. future) schema instead of failing the whole
// store.
const SchemaVersion = 1

// Role constants define valid message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation turn. Messages are owned by their
// session; IDs are unique within the session and timestamps are monotonic
// in insertion order.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"` // e.g. token estimate, grounding chunk refs
}

// Session is one persisted conversation thread. Messages are append-only
// from the caller's view; slice order is conversation order.
type Session struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Clone returns a deep copy of the session. Export and read accessors
// return clones so callers can never mutate store-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	for i := range cp.Messages {
		cp.Messages[i].Metadata = cloneMetadata(s.Messages[i].Metadata)
	}
	return &cp
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Stats summarizes the store contents.
type Stats struct {
	SessionCount     int    `json:"session_count"`
	MessageCount     int    `json:"message_count"`
	CurrentSessionID string `json:"current_session_id,omitempty"`
}
