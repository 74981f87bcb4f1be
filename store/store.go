// Package store holds the in-memory session state the UI renders. Each
// session is a set of sub-states with fixed mutation semantics: chat and
// terminal logs are append-only, plan/commands/modes are full-replace
// snapshots, and diffs are upserted by path. Every reducer works on the
// latest committed state under the store lock, never on a snapshot captured
// earlier, so interleaved asynchronous updates cannot overwrite one another.
package store

import (
	"sync"
	"time"
)

// ChatMessage is one entry in a session's append-only transcript.
type ChatMessage struct {
	From      string    `json:"from"` // "user" or "agent"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Plan item status values as sent by the agent.
const (
	PlanPending    = "pending"
	PlanInProgress = "in_progress"
	PlanCompleted  = "completed"
)

// PlanItem is one entry in a session's plan snapshot.
type PlanItem struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Command is one slash command advertised by the agent.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DiffItem is one proposed file change, keyed by path.
type DiffItem struct {
	Path     string `json:"path"`
	DiffText string `json:"diffText"`
}

// Session is the full renderable state of one agent session.
type Session struct {
	ID          string
	Messages    []ChatMessage
	Plan        []PlanItem
	Terminal    []string
	Commands    []Command
	Modes       []string
	CurrentMode string
	Diffs       []DiffItem // insertion order preserved, one entry per path
}

// Store owns the session map. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Ensure makes sure a session with the given id exists and returns whether
// it was created. Calling it again with the same id is a no-op.
func (s *Store) Ensure(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false
	}
	s.sessions[id] = &Session{ID: id}
	return true
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Has reports whether the session exists.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Snapshot returns a deep copy of the session state, suitable for handing
// to a renderer without holding the store lock.
func (s *Store) Snapshot(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	out := Session{ID: sess.ID, CurrentMode: sess.CurrentMode}
	out.Messages = append([]ChatMessage(nil), sess.Messages...)
	out.Plan = append([]PlanItem(nil), sess.Plan...)
	out.Terminal = append([]string(nil), sess.Terminal...)
	out.Commands = append([]Command(nil), sess.Commands...)
	out.Modes = append([]string(nil), sess.Modes...)
	out.Diffs = append([]DiffItem(nil), sess.Diffs...)
	return out, true
}

// AppendMessage appends one chat message to the session transcript.
func (s *Store) AppendMessage(id, from, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Messages = append(sess.Messages, ChatMessage{From: from, Text: text, Timestamp: time.Now()})
}

// AppendTerminalLine appends one line to the session terminal log.
func (s *Store) AppendTerminalLine(id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Terminal = append(sess.Terminal, line)
}

// SetPlan replaces the plan snapshot.
func (s *Store) SetPlan(id string, plan []PlanItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Plan = append([]PlanItem(nil), plan...)
}

// SetCommands replaces the advertised command list.
func (s *Store) SetCommands(id string, commands []Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Commands = append([]Command(nil), commands...)
}

// SetModes replaces the available mode list.
func (s *Store) SetModes(id string, modes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.Modes = append([]string(nil), modes...)
}

// SetCurrentMode replaces the current mode.
func (s *Store) SetCurrentMode(id, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	sess.CurrentMode = mode
}

// UpsertDiff inserts or replaces the diff for the item's path. Insertion
// order of first appearance is preserved.
func (s *Store) UpsertDiff(id string, item DiffItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(id)
	for i := range sess.Diffs {
		if sess.Diffs[i].Path == item.Path {
			sess.Diffs[i] = item
			return
		}
	}
	sess.Diffs = append(sess.Diffs, item)
}

func (s *Store) ensureLocked(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id}
		s.sessions[id] = sess
	}
	return sess
}
