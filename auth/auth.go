// Package auth implements the HTTP device-flow login collaborator. It is
// invoked before dialing the agent connection and produces the bearer
// token the connection manager presents on the WebSocket handshake. Tokens
// are cached as JSON in the state directory and reused until they expire.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/acpc/errors"
)

const tokenFileName = "token.json"

// Token is a cached bearer credential.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token can still be presented.
func (t *Token) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || time.Now().Before(t.ExpiresAt)
}

// Client talks to the device-flow endpoints under one base URL:
// POST {base}/device/code and POST {base}/device/token.
type Client struct {
	baseURL  string
	stateDir string
	http     *http.Client
}

func New(baseURL, stateDir string) *Client {
	return &Client{
		baseURL:  baseURL,
		stateDir: stateDir,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// Login returns a valid token, running the device flow if the cache is
// empty or expired. onUserCode is called once with the code the user must
// enter and the verification URL; Login then polls until the user
// completes the flow, the code expires, or ctx is done.
func (c *Client) Login(ctx context.Context, onUserCode func(code, uri string)) (*Token, error) {
	if tok := c.cached(); tok.Valid() {
		return tok, nil
	}

	var dc deviceCodeResponse
	if err := c.post(ctx, "/device/code", map[string]any{}, &dc); err != nil {
		return nil, errors.Wrapf(err, "device code request failed")
	}
	if dc.DeviceCode == "" {
		return nil, errors.New("device code response missing device_code")
	}
	if onUserCode != nil {
		onUserCode(dc.UserCode, dc.VerificationURI)
	}

	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	expiresIn := time.Duration(dc.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	deadline := time.Now().Add(expiresIn)

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "login aborted")
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, errors.New("device code expired before authorization")
		}

		var tr tokenResponse
		if err := c.post(ctx, "/device/token", map[string]any{"device_code": dc.DeviceCode}, &tr); err != nil {
			return nil, errors.Wrapf(err, "token poll failed")
		}
		switch {
		case tr.AccessToken != "":
			tok := &Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
			if tr.ExpiresIn > 0 {
				tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
			}
			c.save(tok)
			return tok, nil
		case tr.Error == "" || tr.Error == "authorization_pending" || tr.Error == "slow_down":
			if tr.Error == "slow_down" {
				interval += interval / 2
			}
		default:
			return nil, errors.New("authorization failed: %s", tr.Error)
		}
	}
}

// Logout discards the cached token.
func (c *Client) Logout() {
	_ = os.Remove(filepath.Join(c.stateDir, tokenFileName))
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Device-flow servers signal pending authorization with a 4xx plus an
	// error field, so the body is decoded regardless of status.
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) cached() *Token {
	data, err := os.ReadFile(filepath.Join(c.stateDir, tokenFileName))
	if err != nil {
		return nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil
	}
	return &tok
}

func (c *Client) save(tok *Token) {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.stateDir, 0755); err != nil {
		return
	}
	// Best-effort: a failed write just means logging in again next run.
	_ = os.WriteFile(filepath.Join(c.stateDir, tokenFileName), data, 0600)
}
