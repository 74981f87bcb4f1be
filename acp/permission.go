package acp

import (
	"encoding/json"
)

// PermissionOption is one choice offered by a permission request. Agents
// disagree on key names, so both "optionId" and "id" are accepted, and the
// label may arrive as "label" or "name".
type PermissionOption struct {
	OptionID string `json:"optionId,omitempty"`
	AltID    string `json:"id,omitempty"`
	Label    string `json:"label,omitempty"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// ID returns the option's identifier under either key.
func (o PermissionOption) ID() string {
	if o.OptionID != "" {
		return o.OptionID
	}
	return o.AltID
}

// Title returns the option's human label under either key.
func (o PermissionOption) Title() string {
	if o.Label != "" {
		return o.Label
	}
	return o.Name
}

// PermissionRequest is a decoded server-initiated permission prompt.
// RemoteID is echoed back verbatim in the response frame.
type PermissionRequest struct {
	RemoteID  any
	SessionID string
	Tool      string
	Reason    string
	Options   []PermissionOption
}

type toolRef struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// ParsePermission decodes a permission request frame. The tool reference
// may be a bare string under "tool" or an object under "tool"/"toolCall".
func ParsePermission(msg *Message) (PermissionRequest, bool) {
	var p struct {
		SessionID string             `json:"sessionId"`
		Tool      json.RawMessage    `json:"tool"`
		ToolCall  json.RawMessage    `json:"toolCall"`
		Reason    string             `json:"reason"`
		Options   []PermissionOption `json:"options"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return PermissionRequest{}, false
	}
	if len(p.Options) == 0 {
		return PermissionRequest{}, false
	}
	out := PermissionRequest{
		RemoteID:  msg.ID,
		SessionID: p.SessionID,
		Reason:    p.Reason,
		Options:   p.Options,
	}
	out.Tool = parseToolName(p.Tool)
	if out.Tool == "" {
		out.Tool = parseToolName(p.ToolCall)
	}
	return out, true
}

func parseToolName(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var ref toolRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	if ref.Name != "" {
		return ref.Name
	}
	return ref.Title
}

// SelectedOutcome encodes the result payload answering a permission
// request with a chosen option.
func SelectedOutcome(optionID string) map[string]any {
	return map[string]any{
		"outcome": map[string]any{
			"selected": map[string]any{"optionId": optionID},
		},
	}
}

// CancelledOutcome encodes the result payload dismissing a permission
// request without choosing an option.
func CancelledOutcome() map[string]any {
	return map[string]any{
		"outcome": map[string]any{"cancelled": true},
	}
}

// FsRequest carries the parameters of a server-initiated fs request.
type FsRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

// ParseFsRequest decodes fs/read_text_file and fs/write_text_file params.
func ParseFsRequest(params json.RawMessage) (FsRequest, bool) {
	var req FsRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return FsRequest{}, false
	}
	return req, req.Path != ""
}
