// Package directory talks to the codespace directory service: listing and
// resolving codespaces by name, starting stopped ones, and fetching the
// connection details the relay needs to dial a codespace's tunnel.
//
// The token supplied at client construction is passed through verbatim as a
// bearer credential; it is never validated locally. Validation happens
// lazily on the first directory call.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// Codespace lifecycle states reported by the directory.
const (
	StateAvailable = "Available"
	StateShutdown  = "Shutdown"
	StateStarting  = "Starting"
)

// Repository identifies the repo a codespace was created from.
type Repository struct {
	FullName string `json:"full_name"`
}

// Codespace is a remote, ephemeral development environment addressable by
// name.
type Codespace struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name,omitempty"`
	State       string     `json:"state"`
	Repository  Repository `json:"repository"`
	WebURL      string     `json:"web_url,omitempty"`
	LastUsedAt  string     `json:"last_used_at,omitempty"`
}

// ConnectionInfo carries what the relay transport needs to dial a
// codespace's tunnel endpoint.
type ConnectionInfo struct {
	TunnelEndpoint string `json:"tunnel_endpoint"`
	TunnelToken    string `json:"tunnel_token"`
	SSHUser        string `json:"ssh_user,omitempty"`
}

// Client is the directory surface the session lifecycle depends on.
type Client interface {
	List(ctx context.Context) ([]Codespace, error)
	Get(ctx context.Context, name string) (*Codespace, error)
	Start(ctx context.Context, name string) error
	// WaitAvailable polls until the codespace reports Available, invoking
	// onState for each intermediate state observed.
	WaitAvailable(ctx context.Context, name string, onState func(state string)) (*Codespace, error)
	Connection(ctx context.Context, name string) (*ConnectionInfo, error)
}

// Start-polling knobs. Tests override these to keep polling fast.
var (
	StartPollMin     = 500 * time.Millisecond
	StartPollMax     = 5 * time.Second
	StartPollTimeout = 2 * time.Minute
)

// HTTPClient is the production directory client.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient builds a directory client for the given base URL and bearer
// token.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("directory: not found: %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("directory: %s %s returned %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func (c *HTTPClient) List(ctx context.Context) ([]Codespace, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/user/codespaces", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Codespaces []Codespace `json:"codespaces"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode codespace list: %w", err)
	}
	return out.Codespaces, nil
}

func (c *HTTPClient) Get(ctx context.Context, name string) (*Codespace, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/user/codespaces/"+name, nil)
	if err != nil {
		return nil, err
	}

	var cs Codespace
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode codespace %s: %w", name, err)
	}
	return &cs, nil
}

func (c *HTTPClient) Start(ctx context.Context, name string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/user/codespaces/"+name+"/start", nil)
	return err
}

// WaitAvailable polls Get with jittered backoff until the codespace is
// Available or StartPollTimeout passes. Intermediate states are surfaced
// through onState so callers can report provisioning progress.
func (c *HTTPClient) WaitAvailable(ctx context.Context, name string, onState func(state string)) (*Codespace, error) {
	b := &backoff.Backoff{
		Min:    StartPollMin,
		Max:    StartPollMax,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(StartPollTimeout)
	lastState := ""

	for {
		cs, err := c.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if cs.State == StateAvailable {
			return cs, nil
		}
		if onState != nil && cs.State != lastState {
			onState(cs.State)
			lastState = cs.State
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("directory: codespace %s still %s after %v", name, cs.State, StartPollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (c *HTTPClient) Connection(ctx context.Context, name string) (*ConnectionInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/user/codespaces/"+name+"/connection", nil)
	if err != nil {
		return nil, err
	}

	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode connection info for %s: %w", name, err)
	}
	if info.TunnelEndpoint == "" {
		return nil, fmt.Errorf("directory: codespace %s has no tunnel endpoint", name)
	}
	return &info, nil
}
