package acp

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/acpc/store"
)

// Kind tags one inbound frame after the classification pass.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse          // answer to one of our requests (id, result or error)
	KindSessionUpdate     // session/update-shaped notification
	KindPermissionRequest // server-initiated permission prompt (id echoed back)
	KindFsRequest         // server-initiated fs/read_text_file or fs/write_text_file
	KindNamespacedEvent   // other namespaced method, preserved as a terminal log line
)

// Classify tags a decoded frame. The priority order is fixed:
// responses (id plus result or error), then session updates, then
// permission requests (recognized by method, or by a tool reference plus
// an options array even when the method is absent), then fs requests,
// then any other namespaced method.
func Classify(msg *Message) Kind {
	if msg.Method == "" {
		if msg.ID != nil && (msg.Result != nil || msg.Error != nil) {
			return KindResponse
		}
		if msg.ID != nil && looksLikePermission(msg.Params) {
			return KindPermissionRequest
		}
		return KindUnknown
	}
	if msg.Method == "session/update" || hasUpdatePayload(msg.Params) {
		return KindSessionUpdate
	}
	if msg.ID != nil {
		if msg.Method == "session/request_permission" || looksLikePermission(msg.Params) {
			return KindPermissionRequest
		}
		if msg.Method == "fs/read_text_file" || msg.Method == "fs/write_text_file" {
			return KindFsRequest
		}
	}
	if strings.Contains(msg.Method, "/") {
		return KindNamespacedEvent
	}
	return KindUnknown
}

func hasUpdatePayload(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var probe struct {
		Update json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return false
	}
	return len(probe.Update) > 0 && string(probe.Update) != "null"
}

func looksLikePermission(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var probe struct {
		Tool     json.RawMessage `json:"tool"`
		ToolCall json.RawMessage `json:"toolCall"`
		Options  json.RawMessage `json:"options"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return false
	}
	hasTool := len(probe.Tool) > 0 || len(probe.ToolCall) > 0
	return hasTool && len(probe.Options) > 0 && strings.HasPrefix(strings.TrimSpace(string(probe.Options)), "[")
}

// UpdateKind discriminates the payload of one session update.
type UpdateKind int

const (
	UpdateNone UpdateKind = iota
	UpdateAgentMessage
	UpdateUserMessage
	UpdatePlan
	UpdateTerminalOutput
	UpdateCommands
	UpdateCurrentMode
	UpdateModes
	UpdateDiff
)

// Update is the decoded payload of one session/update notification.
// Exactly one of the value fields is meaningful, per Kind.
type Update struct {
	SessionID string
	Kind      UpdateKind
	Text      string // chat chunk or terminal line
	Plan      []store.PlanItem
	Commands  []store.Command
	Modes     []string
	Mode      string
	Diff      store.DiffItem
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type planEnvelope struct {
	Items   []store.PlanItem `json:"items"`
	Entries []store.PlanItem `json:"entries"`
}

type modeRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type updateBody struct {
	SessionUpdate     string           `json:"sessionUpdate"`
	Content           *contentBlock    `json:"content"`
	Plan              json.RawMessage  `json:"plan"`
	TerminalOutput    json.RawMessage  `json:"terminalOutput"`
	Output            string           `json:"output"`
	AvailableCommands []store.Command  `json:"availableCommands"`
	CurrentMode       string           `json:"currentMode"`
	AvailableModes    json.RawMessage  `json:"availableModes"`
	Diff              *store.DiffItem  `json:"diff"`
}

// ParseUpdate decodes one session/update payload into its discriminated
// form. When no documented branch matches, ok is false but any session id
// found in the payload is still returned, so the caller can route the raw
// frame; payload shape varies by agent implementation.
func ParseUpdate(params json.RawMessage) (Update, bool) {
	var env struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &env); err != nil {
		return Update{}, false
	}
	body := env.Update
	if len(body) == 0 || string(body) == "null" {
		// Some agents skip the envelope and put the update fields directly
		// in params.
		body = params
	}

	out := Update{SessionID: env.SessionID}
	var u updateBody
	if err := json.Unmarshal(body, &u); err != nil {
		return out, false
	}

	switch u.SessionUpdate {
	case "agent_message_chunk", "user_message_chunk":
		if u.Content == nil || u.Content.Type != "text" {
			return out, false
		}
		out.Kind = UpdateAgentMessage
		if u.SessionUpdate == "user_message_chunk" {
			out.Kind = UpdateUserMessage
		}
		out.Text = u.Content.Text
		return out, true
	}

	if len(u.Plan) > 0 && string(u.Plan) != "null" {
		if items, ok := parsePlan(u.Plan); ok {
			out.Kind = UpdatePlan
			out.Plan = items
			return out, true
		}
	}
	if line, ok := parseTerminalOutput(u.TerminalOutput, u.Output); ok {
		out.Kind = UpdateTerminalOutput
		out.Text = line
		return out, true
	}
	if u.AvailableCommands != nil {
		out.Kind = UpdateCommands
		out.Commands = u.AvailableCommands
		return out, true
	}
	if u.CurrentMode != "" {
		out.Kind = UpdateCurrentMode
		out.Mode = u.CurrentMode
		return out, true
	}
	if len(u.AvailableModes) > 0 && string(u.AvailableModes) != "null" {
		out.Kind = UpdateModes
		out.Modes = ParseModeList(u.AvailableModes)
		return out, true
	}
	if u.Diff != nil && u.Diff.Path != "" {
		out.Kind = UpdateDiff
		out.Diff = *u.Diff
		return out, true
	}
	return out, false
}

// parsePlan accepts either {items:[...]}, {entries:[...]} or a bare array.
func parsePlan(raw json.RawMessage) ([]store.PlanItem, bool) {
	var direct []store.PlanItem
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, true
	}
	var env planEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Items != nil {
		return env.Items, true
	}
	if env.Entries != nil {
		return env.Entries, true
	}
	return nil, false
}

// parseTerminalOutput accepts a bare string, an {output:...} object, or the
// sibling "output" field.
func parseTerminalOutput(raw json.RawMessage, output string) (string, bool) {
	if len(raw) > 0 && string(raw) != "null" {
		var line string
		if err := json.Unmarshal(raw, &line); err == nil {
			return line, true
		}
		var obj struct {
			Output string `json:"output"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.Output != "" {
				return obj.Output, true
			}
			if obj.Text != "" {
				return obj.Text, true
			}
		}
		return "", false
	}
	if output != "" {
		return output, true
	}
	return "", false
}

// ParseModeList accepts an array of strings or of {id,name} objects and
// returns the mode names.
func ParseModeList(raw json.RawMessage) []string {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names
	}
	var refs []modeRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" {
			out = append(out, r.ID)
		} else if r.Name != "" {
			out = append(out, r.Name)
		}
	}
	return out
}

// SessionResult is the decoded result of a session/new or session/load
// response.
type SessionResult struct {
	SessionID      string          `json:"sessionId"`
	AvailableModes json.RawMessage `json:"availableModes,omitempty"`
	CurrentMode    string          `json:"currentMode,omitempty"`
}

// ParseSessionResult decodes a response result that may carry a session id.
func ParseSessionResult(result json.RawMessage) (SessionResult, bool) {
	if len(result) == 0 || string(result) == "null" {
		return SessionResult{}, false
	}
	var res SessionResult
	if err := json.Unmarshal(result, &res); err != nil {
		return SessionResult{}, false
	}
	return res, res.SessionID != ""
}
