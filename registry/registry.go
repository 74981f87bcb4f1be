// Package registry tracks the session ids known to this client and which
// one is active, and persists both to a JSON file in the state directory.
// The file is read once per connection start to drive the resume sequence
// and rewritten whenever the set or the active id changes. Persistence is
// best-effort: a write failure is reported to the trace log and never
// affects the in-memory registry.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/m4xw311/acpc/errors"
)

const fileName = "registry.json"

// persisted is the durable shape: exactly the two values the client needs
// to resume after a reload.
type persisted struct {
	KnownSessionIDs []string `json:"knownSessionIds"`
	ActiveSessionID string   `json:"activeSessionId,omitempty"`
}

// Registry is an ordered set of known session ids plus an optional active
// id. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	path   string
	known  []string
	active string
	trace  func(string)
}

// Open creates a registry persisted under stateDir. The directory is
// created on the first write.
func Open(stateDir string) *Registry {
	return &Registry{
		path:  filepath.Join(stateDir, fileName),
		trace: func(string) {},
	}
}

// SetTrace installs a diagnostic sink for persistence failures.
func (r *Registry) SetTrace(trace func(string)) {
	if trace == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = trace
}

// Load reads the persisted state back into memory. A missing file is not
// an error: the registry is simply empty.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.known = nil
			r.active = ""
			return nil
		}
		return errors.Wrapf(err, "could not read registry file %s", r.path)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrapf(err, "could not parse registry file %s", r.path)
	}
	r.known = p.KnownSessionIDs
	r.active = p.ActiveSessionID
	// The active id must refer to a known session; a stale file loses the
	// selection rather than resurrecting an unknown id.
	if r.active != "" && !r.containsLocked(r.active) {
		r.active = ""
	}
	return nil
}

// Known returns the ordered known session ids.
func (r *Registry) Known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.known...)
}

// Active returns the active session id, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Latest returns the most recently registered session id, or "".
func (r *Registry) Latest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.known) == 0 {
		return ""
	}
	return r.known[len(r.known)-1]
}

// Has reports whether the id is known.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containsLocked(id)
}

// Add registers a session id if it is not already known and persists.
func (r *Registry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.containsLocked(id) {
		return
	}
	r.known = append(r.known, id)
	r.persistLocked()
}

// SetActive marks the id as the active session, registering it first if it
// is unseen, and persists.
func (r *Registry) SetActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" && !r.containsLocked(id) {
		r.known = append(r.known, id)
	}
	if r.active == id {
		return
	}
	r.active = id
	r.persistLocked()
}

// Remove deletes the id. If the removed id was active, activation falls to
// the first remaining known id, or clears when none remain. Returns the
// new active id.
func (r *Registry) Remove(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.known[:0]
	found := false
	for _, known := range r.known {
		if known == id {
			found = true
			continue
		}
		kept = append(kept, known)
	}
	if !found {
		return r.active
	}
	r.known = kept
	if r.active == id {
		r.active = ""
		if len(r.known) > 0 {
			r.active = r.known[0]
		}
	}
	r.persistLocked()
	return r.active
}

func (r *Registry) containsLocked(id string) bool {
	for _, known := range r.known {
		if known == id {
			return true
		}
	}
	return false
}

func (r *Registry) persistLocked() {
	p := persisted{KnownSessionIDs: r.known, ActiveSessionID: r.active}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		r.trace(fmt.Sprintf("registry: failed to serialize: %v", err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		r.trace(fmt.Sprintf("registry: could not create state directory: %v", err))
		return
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		r.trace(fmt.Sprintf("registry: failed to write %s: %v", r.path, err))
	}
}
