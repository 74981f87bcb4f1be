package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/m4xw311/acpc/acp"
)

// route classifies one inbound frame and dispatches it. Every failure mode
// here is local: a frame is at worst dropped with a diagnostic, never
// allowed to tear down the connection.
func (c *Client) route(data []byte) {
	msg, err := acp.DecodeFrame(data)
	if err != nil {
		c.diag(fmt.Sprintf("dropping malformed frame: %v", err))
		return
	}
	switch acp.Classify(msg) {
	case acp.KindResponse:
		c.handleResponse(msg)
	case acp.KindSessionUpdate:
		c.handleSessionUpdate(msg)
	case acp.KindPermissionRequest:
		c.handlePermissionRequest(msg)
	case acp.KindFsRequest:
		c.fs.handle(c, msg)
	case acp.KindNamespacedEvent:
		c.handleNamespacedEvent(msg)
	default:
		c.diag(fmt.Sprintf("ignoring unrecognized frame: %s", compact(data)))
	}
}

// handleResponse consumes answers to our own requests. A result carrying a
// sessionId registers the session and makes it current regardless of which
// request it answers; a failed session/load rolls back the optimistic
// resume for that id.
func (c *Client) handleResponse(msg *acp.Message) {
	key := idKey(msg.ID)
	c.mu.Lock()
	pend, outstanding := c.pending[key]
	if outstanding {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if res, ok := acp.ParseSessionResult(msg.Result); ok {
		c.store.Ensure(res.SessionID)
		c.registry.SetActive(res.SessionID)
		c.mu.Lock()
		c.currentSession = res.SessionID
		c.mu.Unlock()
		if len(res.AvailableModes) > 0 {
			c.store.SetModes(res.SessionID, acp.ParseModeList(res.AvailableModes))
		}
		if res.CurrentMode != "" {
			c.store.SetCurrentMode(res.SessionID, res.CurrentMode)
		}
		c.trace(fmt.Sprintf("handleResponse: session '%s' registered", res.SessionID))
		c.sessionChanged(res.SessionID)
		return
	}

	if !outstanding {
		c.trace(fmt.Sprintf("handleResponse: response for unknown request id %v", msg.ID))
		return
	}

	switch pend.kind {
	case pendingLoad:
		if msg.Error != nil {
			// Reconciliation for the optimistic resume: the agent no longer
			// knows this session, so forget it locally too.
			c.diag(fmt.Sprintf("session/load failed for '%s': %s", pend.sessionID, msg.Error.Message))
			c.store.Remove(pend.sessionID)
			newActive := c.registry.Remove(pend.sessionID)
			c.mu.Lock()
			if c.currentSession == pend.sessionID {
				c.currentSession = newActive
			}
			c.mu.Unlock()
			c.sessionChanged(pend.sessionID)
			return
		}
		c.trace(fmt.Sprintf("handleResponse: session '%s' load confirmed", pend.sessionID))
	case pendingNew:
		if msg.Error != nil {
			c.diag(fmt.Sprintf("session/new failed: %s", msg.Error.Message))
		}
	}
}

// handleSessionUpdate resolves the target session and applies one update.
// The resolution order is fixed: explicit params.sessionId, top-level
// sessionId, most recently registered id, active id. An unresolvable
// update is dropped, never guessed further.
func (c *Client) handleSessionUpdate(msg *acp.Message) {
	upd, ok := acp.ParseUpdate(msg.Params)
	target := c.resolveInbound(upd.SessionID, msg.SessionID)
	if target == "" {
		c.diag(fmt.Sprintf("dropping unroutable session update: %s", compact(msg.Params)))
		return
	}
	c.store.Ensure(target)

	if !ok {
		// Unrecognized update shape: preserve the information as a raw
		// terminal-log line instead of discarding it.
		c.store.AppendTerminalLine(target, fmt.Sprintf("[%s] %s", msg.Method, compact(msg.Params)))
		c.sessionChanged(target)
		return
	}

	switch upd.Kind {
	case acp.UpdateAgentMessage:
		c.store.AppendMessage(target, "agent", upd.Text)
	case acp.UpdateUserMessage:
		c.store.AppendMessage(target, "user", upd.Text)
	case acp.UpdatePlan:
		c.store.SetPlan(target, upd.Plan)
	case acp.UpdateTerminalOutput:
		c.store.AppendTerminalLine(target, upd.Text)
	case acp.UpdateCommands:
		c.store.SetCommands(target, upd.Commands)
	case acp.UpdateCurrentMode:
		c.store.SetCurrentMode(target, upd.Mode)
	case acp.UpdateModes:
		c.store.SetModes(target, upd.Modes)
	case acp.UpdateDiff:
		c.store.UpsertDiff(target, upd.Diff)
	}
	c.sessionChanged(target)
}

// handlePermissionRequest enqueues a server-initiated permission prompt.
// The remote request id is captured so that exactly one response frame can
// be produced later by Resolve or Cancel.
func (c *Client) handlePermissionRequest(msg *acp.Message) {
	parsed, ok := acp.ParsePermission(msg)
	if !ok {
		// Recognized by method but not parseable; queue it anyway so the
		// remote id still receives its one response (a cancel).
		parsed = acp.PermissionRequest{RemoteID: msg.ID}
	}
	pr := PermissionRequest{
		LocalID:   uuid.NewString(),
		RemoteID:  parsed.RemoteID,
		SessionID: c.resolveInbound(parsed.SessionID, msg.SessionID),
		Tool:      parsed.Tool,
		Reason:    parsed.Reason,
		Options:   parsed.Options,
	}
	c.perms.enqueue(pr)
	c.trace(fmt.Sprintf("handlePermissionRequest: queued %s for tool '%s'", pr.LocalID, pr.Tool))
	if cb := c.callbacks.OnPermissionRequest; cb != nil {
		cb(pr)
	}
}

// handleNamespacedEvent preserves events this client does not model (other
// terminal methods and the like) as synthesized terminal-log lines.
func (c *Client) handleNamespacedEvent(msg *acp.Message) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &p)
	}
	target := c.resolveInbound(p.SessionID, msg.SessionID)
	if target == "" {
		c.diag(fmt.Sprintf("dropping unroutable event '%s'", msg.Method))
		return
	}
	c.store.Ensure(target)
	c.store.AppendTerminalLine(target, fmt.Sprintf("[%s] %s", msg.Method, compact(msg.Params)))
	c.sessionChanged(target)
	// Events that are requests still deserve an answer.
	if msg.ID != nil {
		c.respondError(msg.ID, acp.CodeMethodNotFound, "Method not found", nil)
	}
}

// resolveInbound applies the fixed session id fallback order for inbound
// messages: explicit params id, top-level id, most recently registered id,
// active id.
func (c *Client) resolveInbound(explicit, topLevel string) string {
	if explicit != "" {
		return explicit
	}
	if topLevel != "" {
		return topLevel
	}
	if latest := c.registry.Latest(); latest != "" {
		return latest
	}
	return c.registry.Active()
}

func compact(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
