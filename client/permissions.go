package client

import (
	"strings"
	"sync"

	"github.com/m4xw311/acpc/acp"
	"github.com/m4xw311/acpc/errors"
)

// PermissionRequest is one outstanding server-initiated permission prompt.
// LocalID is the handle the UI resolves or cancels with; RemoteID is the
// agent's request id, echoed back in the single response frame.
type PermissionRequest struct {
	LocalID   string
	RemoteID  any
	SessionID string
	Tool      string
	Reason    string
	Options   []acp.PermissionOption
}

// PermissionQueue tracks outstanding permission requests in insertion
// order. Any entry may be resolved independent of its position, and every
// entry produces exactly one response frame before it is removed.
type PermissionQueue struct {
	mu      sync.Mutex
	entries []PermissionRequest
	send    func(any) error
	trace   func(string)
}

func newPermissionQueue(send func(any) error, trace func(string)) *PermissionQueue {
	return &PermissionQueue{send: send, trace: trace}
}

func (q *PermissionQueue) enqueue(pr PermissionRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, pr)
}

// Pending returns the outstanding requests, oldest first.
func (q *PermissionQueue) Pending() []PermissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PermissionRequest(nil), q.entries...)
}

// Len returns the number of outstanding requests.
func (q *PermissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Resolve answers the request with the option matching choice. When the
// choice has no exact option-id match, the closest semantic match by
// id/label/kind pattern is used, else the first offered option, so that a
// UI/protocol option-id mismatch can never leave the request unanswered.
// The entry is removed whether or not the response frame could be written.
func (q *PermissionQueue) Resolve(localID, choice string) error {
	entry, ok := q.take(localID)
	if !ok {
		return errors.New("unknown permission request '%s'", localID)
	}
	if len(entry.Options) == 0 {
		return q.respond(entry, acp.CancelledOutcome())
	}
	optionID := matchOption(entry.Options, choice)
	return q.respond(entry, acp.SelectedOutcome(optionID))
}

// Cancel answers the request with a cancelled outcome and removes it.
func (q *PermissionQueue) Cancel(localID string) error {
	entry, ok := q.take(localID)
	if !ok {
		return errors.New("unknown permission request '%s'", localID)
	}
	return q.respond(entry, acp.CancelledOutcome())
}

func (q *PermissionQueue) respond(entry PermissionRequest, result any) error {
	resp := acp.Response{JSONRPC: "2.0", ID: entry.RemoteID, Result: result}
	return errors.Wrapf(q.send(resp), "permission response for request %v", entry.RemoteID)
}

// take removes and returns the entry with the given local id, leaving all
// other entries untouched.
func (q *PermissionQueue) take(localID string) (PermissionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.LocalID == localID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return entry, true
		}
	}
	return PermissionRequest{}, false
}

var (
	allowWords  = []string{"allow", "approve", "accept", "yes", "ok", "always", "once"}
	rejectWords = []string{"reject", "deny", "no", "never", "cancel"}
)

// matchOption maps the caller's semantic choice onto one of the offered
// option ids: exact id match, then substring match against id/label/kind,
// then the word family the choice belongs to, then the first option.
func matchOption(options []acp.PermissionOption, choice string) string {
	for _, o := range options {
		if o.ID() == choice {
			return o.ID()
		}
	}
	want := strings.ToLower(choice)
	if want != "" {
		for _, o := range options {
			if optionMentions(o, want) {
				return o.ID()
			}
		}
		for _, family := range [][]string{allowWords, rejectWords} {
			if !containsWord(family, want) {
				continue
			}
			for _, o := range options {
				for _, word := range family {
					if optionMentions(o, word) {
						return o.ID()
					}
				}
			}
		}
	}
	return options[0].ID()
}

func optionMentions(o acp.PermissionOption, word string) bool {
	return strings.Contains(strings.ToLower(o.ID()), word) ||
		strings.Contains(strings.ToLower(o.Title()), word) ||
		strings.Contains(strings.ToLower(o.Kind), word)
}

func containsWord(words []string, want string) bool {
	for _, w := range words {
		if strings.Contains(want, w) {
			return true
		}
	}
	return false
}
