package client

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/acpc/acp"
	"github.com/m4xw311/acpc/config"
)

// fsService answers the server-initiated fs requests the client declared
// capability for during initialize. Paths matched by the hidden globs are
// invisible to the agent entirely; read_only globs reject writes. Every
// request id receives exactly one response.
type fsService struct {
	access config.FilesystemAccess
}

func (f *fsService) handle(c *Client, msg *acp.Message) {
	req, ok := acp.ParseFsRequest(msg.Params)
	if !ok {
		c.respondError(msg.ID, acp.CodeInvalidParams, "Invalid params", "missing path")
		return
	}
	switch msg.Method {
	case "fs/read_text_file":
		f.handleRead(c, msg.ID, req)
	case "fs/write_text_file":
		f.handleWrite(c, msg.ID, req)
	}
}

func (f *fsService) handleRead(c *Client, id any, req acp.FsRequest) {
	hidden, err := isPathRestricted(req.Path, f.access.Hidden)
	if err != nil {
		c.respondError(id, acp.CodeInternalError, "Internal error", err.Error())
		return
	}
	if hidden {
		c.respondError(id, acp.CodeAccessDenied, fmt.Sprintf("access denied: path '%s' is hidden", req.Path), nil)
		return
	}
	content, err := os.ReadFile(req.Path)
	if err != nil {
		c.respondError(id, acp.CodeInvalidParams, fmt.Sprintf("failed to read file '%s'", req.Path), err.Error())
		return
	}
	c.respondResult(id, map[string]any{"content": string(content)})
}

func (f *fsService) handleWrite(c *Client, id any, req acp.FsRequest) {
	hidden, err := isPathRestricted(req.Path, f.access.Hidden)
	if err != nil {
		c.respondError(id, acp.CodeInternalError, "Internal error", err.Error())
		return
	}
	if hidden {
		c.respondError(id, acp.CodeAccessDenied, fmt.Sprintf("access denied: path '%s' is hidden", req.Path), nil)
		return
	}
	readOnly, err := isPathRestricted(req.Path, f.access.ReadOnly)
	if err != nil {
		c.respondError(id, acp.CodeInternalError, "Internal error", err.Error())
		return
	}
	if readOnly {
		c.respondError(id, acp.CodeAccessDenied, fmt.Sprintf("access denied: path '%s' is read-only", req.Path), nil)
		return
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0644); err != nil {
		c.respondError(id, acp.CodeInternalError, fmt.Sprintf("failed to write file '%s'", req.Path), err.Error())
		return
	}
	c.respondResult(id, json.RawMessage("null"))
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
