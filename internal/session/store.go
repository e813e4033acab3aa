package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// lockFileName is the flock file guarding the storage directory against a
// second process opening the same workspace store.
const lockFileName = ".store.lock"

// Store manages session lifecycle, context windowing and persistence for
// one workspace.
//
// Store is safe for concurrent use. Reads and operations on different
// sessions proceed concurrently; writes to one session are serialized by
// the per-session slot acquired via TryAcquire.
type Store struct {
	dir    string
	logger *slog.Logger

	fileLock *flock.Flock

	mu         sync.RWMutex
	sessions   map[string]*Session
	busy       map[string]*sync.Mutex // per-session write slots
	currentID  string
	maxHistory int
}

// NewStore opens (or creates) the session store rooted at dir and loads
// every persisted session before accepting operations.
//
// A corrupt or foreign session file is skipped with a warning; it never
// aborts startup for the rest of the store. The directory is flock-guarded:
// a second process opening the same store gets ErrStoreLocked.
func NewStore(dir string, maxHistory int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = 20
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	fl := flock.New(filepath.Join(dir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking session directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, dir)
	}

	s := &Store{
		dir:        dir,
		logger:     logger,
		fileLock:   fl,
		sessions:   make(map[string]*Session),
		busy:       make(map[string]*sync.Mutex),
		maxHistory: maxHistory,
	}

	if err := s.loadAll(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	return s, nil
}

// Close releases the storage directory lock. The store must not be used
// afterwards.
func (s *Store) Close() error {
	if err := s.fileLock.Unlock(); err != nil {
		return fmt.Errorf("unlocking session directory: %w", err)
	}
	return nil
}

// loadAll reads every *.json session file in the storage directory into the
// in-memory index.
func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading session directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		sess, err := readSessionFile(path)
		if err != nil {
			// Isolated per-session failure: skip and keep loading.
			s.logger.Warn("skipping unreadable session file", "path", path, "error", err)
			continue
		}
		if sess.Version != SchemaVersion {
			s.logger.Warn("skipping session file with unknown schema version",
				"path", path, "version", sess.Version)
			continue
		}
		if err := validateSession(sess); err != nil {
			s.logger.Warn("skipping invalid session file", "path", path, "error", err)
			continue
		}
		s.sessions[sess.ID] = sess
	}

	s.logger.Debug("loaded session store", "dir", s.dir, "sessions", len(s.sessions))
	return nil
}

func readSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from our own directory listing
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}
	return &sess, nil
}

// validateSession checks the fields required of any session entering the
// store (loaded or imported).
func validateSession(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSession)
	}
	if !validSessionID(sess.ID) {
		return fmt.Errorf("%w: id %q contains characters unusable as a storage key", ErrInvalidSession, sess.ID)
	}
	for i, msg := range sess.Messages {
		if msg.ID == "" {
			return fmt.Errorf("%w: message %d has no id", ErrInvalidSession, i)
		}
		switch msg.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidSession, i, msg.Role)
		}
	}
	return nil
}

// validSessionID restricts session IDs to characters safe in a file name.
func validSessionID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// newSessionID generates a collision-safe session identifier:
// millisecond timestamp plus a random suffix.
func newSessionID(now time.Time) string {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to
		// a uuid-derived suffix rather than panicking here.
		return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(suffix[:]))
}

// persist serializes a session and flushes it to disk. Called with s.mu
// held by the mutating operation; the write is atomic (temp file + rename).
func (s *Store) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing session %s: %w", sess.ID, err)
	}

	final := filepath.Join(s.dir, sess.ID+".json")
	tmp, err := os.CreateTemp(s.dir, sess.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing session %s: %w", sess.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("flushing session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing session file %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing session %s: %w", sess.ID, err)
	}
	return nil
}

// CreateSession allocates a new session with a generated unique ID, makes
// it current and persists it. Title may be empty.
func (s *Store) CreateSession(title string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := newSessionID(now)
	for s.sessions[id] != nil {
		id = newSessionID(now)
	}

	sess := &Session{
		Version:   SchemaVersion,
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}

	if err := s.persist(sess); err != nil {
		return nil, err
	}

	s.sessions[id] = sess
	s.currentID = id
	s.logger.Debug("created session", "id", id, "title", title)
	return sess.Clone(), nil
}

// SetCurrentSession switches the current session. Returns false for an
// unknown ID, leaving the prior current session unchanged.
func (s *Store) SetCurrentSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	s.currentID = id
	return true
}

// CurrentSessionID returns the current session's ID, or "" if none.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// AddMessage assigns an ID and timestamp, appends the message to the
// current session and persists the session before returning. The returned
// message carries the assigned fields.
//
// Fails with ErrNoActiveSession when no session is current. On a
// persistence failure the in-memory append is rolled back; the operation
// must not be considered to have succeeded.
func (s *Store) AddMessage(role, content string, metadata map[string]string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[s.currentID]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return s.appendLocked(sess, role, content, metadata)
}

// AddMessageTo appends a message to a specific session, independent of the
// current pointer, so cycles on different sessions never write into each
// other's history. Same persistence and rollback semantics as AddMessage.
func (s *Store) AddMessageTo(id, role, content string, metadata map[string]string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.appendLocked(sess, role, content, metadata)
}

// appendLocked assigns ID and timestamp, appends and persists. Caller holds
// s.mu.
func (s *Store) appendLocked(sess *Session, role, content string, metadata map[string]string) (*Message, error) {
	now := time.Now()
	// Timestamps are monotonic within a session even if the clock stalls.
	if n := len(sess.Messages); n > 0 && !now.After(sess.Messages[n-1].CreatedAt) {
		now = sess.Messages[n-1].CreatedAt.Add(time.Nanosecond)
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: now,
		Metadata:  cloneMetadata(metadata),
	}

	prevUpdated := sess.UpdatedAt
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = now

	if err := s.persist(sess); err != nil {
		sess.Messages = sess.Messages[:len(sess.Messages)-1]
		sess.UpdatedAt = prevUpdated
		return nil, err
	}

	s.logger.Debug("added message", "session_id", sess.ID, "role", role, "count", len(sess.Messages))
	cp := msg
	cp.Metadata = cloneMetadata(msg.Metadata)
	return &cp, nil
}

// CurrentMessages returns the full message list of the current session in
// insertion order, or an empty list when none is current.
func (s *Store) CurrentMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[s.currentID]
	if !ok {
		return []Message{}
	}
	return copyMessages(sess.Messages)
}

// ContextMessages returns the most recent limit messages of the current
// session, oldest-first, for prompt assembly. limit < 0 falls back to the
// configured max history length; limit == 0 returns an empty slice. The
// returned slice is a copy; history is never mutated by reads.
//
// The cutoff is a message count, not a token budget; callers needing
// token-accurate trimming estimate tokens on the returned slice.
func (s *Store) ContextMessages(limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextMessagesLocked(s.sessions[s.currentID], limit)
}

// ContextMessagesFor is ContextMessages scoped to a specific session,
// independent of the current pointer. An unknown ID yields an empty slice.
func (s *Store) ContextMessagesFor(id string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contextMessagesLocked(s.sessions[id], limit)
}

func (s *Store) contextMessagesLocked(sess *Session, limit int) []Message {
	if sess == nil || limit == 0 {
		return []Message{}
	}
	if limit < 0 {
		limit = s.maxHistory
	}
	msgs := sess.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return copyMessages(msgs)
}

// DeleteSession removes a session from memory and disk. Deleting the
// current session clears the current pointer. Fails with ErrSessionNotFound
// for an unknown ID. A failed file removal keeps the session in the store —
// dropping only the in-memory entry would resurrect it on the next load.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session %s: %w", id, err)
	}
	delete(s.sessions, id)
	delete(s.busy, id)
	if s.currentID == id {
		s.currentID = ""
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// ClearAllSessions removes every session from memory and disk.
func (s *Store) ClearAllSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id := range s.sessions {
		if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing session %s: %w", id, err)
			}
			s.logger.Warn("removing session file", "id", id, "error", err)
		}
	}
	s.sessions = make(map[string]*Session)
	s.busy = make(map[string]*sync.Mutex)
	s.currentID = ""
	return firstErr
}

// ExportSession returns a deep copy of the session in its transportable
// form, or false for an unknown ID.
func (s *Store) ExportSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ImportSession adds an exported session to the store and persists it.
// Fails with ErrSessionExists if the ID is already present (the existing
// session is left untouched) and ErrInvalidSession for missing required
// fields.
func (s *Store) ImportSession(sess *Session) error {
	if sess == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidSession)
	}

	cp := sess.Clone()
	if cp.Version == 0 {
		cp.Version = SchemaVersion
	}
	if err := validateSession(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[cp.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, cp.ID)
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}

	if err := s.persist(cp); err != nil {
		return err
	}
	s.sessions[cp.ID] = cp
	s.logger.Debug("imported session", "id", cp.ID, "messages", len(cp.Messages))
	return nil
}

// UpdateSessionTitle renames a session and persists it. Fails with
// ErrSessionNotFound for an unknown ID; a persistence failure rolls the
// title back and is returned to the caller.
func (s *Store) UpdateSessionTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	prevTitle, prevUpdated := sess.Title, sess.UpdatedAt
	sess.Title = title
	sess.UpdatedAt = time.Now()
	if err := s.persist(sess); err != nil {
		sess.Title, sess.UpdatedAt = prevTitle, prevUpdated
		return err
	}
	return nil
}

// Session returns a deep copy of a session by ID.
func (s *Store) Session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Sessions returns copies of all sessions, most recently updated first.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Stats reports store-level counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		SessionCount:     len(s.sessions),
		CurrentSessionID: s.currentID,
	}
	for _, sess := range s.sessions {
		st.MessageCount += len(sess.Messages)
	}
	return st
}

// MaxHistoryLength returns the configured context window size in messages.
func (s *Store) MaxHistoryLength() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxHistory
}

// SetMaxHistoryLength updates the context window size. Values <= 0 are
// ignored.
func (s *Store) SetMaxHistoryLength(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHistory = n
}

// TryAcquire takes the session's write slot without blocking. It returns a
// release func on success and ErrSessionBusy when another orchestration
// cycle is in flight for the same session. Cycles on different sessions
// proceed concurrently.
func (s *Store) TryAcquire(id string) (func(), error) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m, ok := s.busy[id]
	if !ok {
		m = &sync.Mutex{}
		s.busy[id] = m
	}
	s.mu.Unlock()

	if !m.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	return m.Unlock, nil
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		out[i].Metadata = cloneMetadata(msgs[i].Metadata)
	}
	return out
}
