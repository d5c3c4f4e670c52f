// Package secretrelay provides the HTTP client for a secret relay service
// reachable over the service mesh. Pushes happen only from TEE-side code
// using a dedicated signing identity; the coordinator is limited to
// existence checks by the relay service itself.
package secretrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sealedai/relay/internal/serviceauth"
	"github.com/sealedai/relay/tee/types"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxBodySize = 1 << 20 // 1MiB
)

// Config configures the relay client.
type Config struct {
	// BaseURL is the base URL of the relay service (e.g. https://relay:8087).
	BaseURL string
	// HTTPClient executes requests. When nil, a default client with a
	// conservative timeout is used. Inside the mesh, prefer a client whose
	// transport performs verified mTLS.
	HTTPClient *http.Client
	// Identity is the system-controlled signing identity pushes are bound
	// to. It must be distinct from any caller's own address.
	Identity string
	// CallerServiceID is optionally propagated for development environments
	// where verified mTLS identity is not available.
	CallerServiceID string
	// MaxBodyBytes caps response bodies to prevent memory exhaustion.
	MaxBodyBytes int64
}

// Client talks to the relay service over HTTP/mTLS.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	identity        string
	callerServiceID string
	maxBodyBytes    int64
}

var _ types.SecretRelay = (*Client)(nil)
var _ types.SecretSource = (*Client)(nil)

// New creates a relay client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("secretrelay: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("secretrelay: BaseURL must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("secretrelay: BaseURL scheme must be http or https")
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("secretrelay: BaseURL must not include user info")
	}
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		return nil, fmt.Errorf("secretrelay: Identity is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}

	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodySize
	}

	return &Client{
		baseURL:         baseURL,
		httpClient:      client,
		identity:        identity,
		callerServiceID: strings.TrimSpace(cfg.CallerServiceID),
		maxBodyBytes:    maxBodyBytes,
	}, nil
}

// Push binds value to name under the client's identity. The relay enforces
// write-once: a taken name yields pushed=false and ErrSecretExists.
func (c *Client) Push(ctx context.Context, name, value string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("secretrelay: secret name is required")
	}

	payload, err := json.Marshal(struct {
		Value string `json:"value"`
	}{Value: value})
	if err != nil {
		return false, fmt.Errorf("secretrelay: encode payload: %w", err)
	}

	endpoint := c.baseURL + "/secrets/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("secretrelay: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentity(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("secretrelay: execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusConflict:
		return false, fmt.Errorf("secretrelay: %s: %w", name, types.ErrSecretExists)
	default:
		return false, fmt.Errorf("secretrelay: %s", readErrorBody(resp))
	}

	var out struct {
		Pushed bool `json:"pushed"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err := dec.Decode(&out); err != nil {
		return false, fmt.Errorf("secretrelay: decode response: %w", err)
	}
	return out.Pushed, nil
}

// Exists reports whether owner has a secret bound under name.
func (c *Client) Exists(ctx context.Context, owner, name string) (bool, error) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return false, fmt.Errorf("secretrelay: owner and name are required")
	}

	endpoint := c.baseURL + "/secrets/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("secretrelay: create request: %w", err)
	}
	req.Header.Set(serviceauth.OwnerHeader, owner)
	c.setIdentity(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("secretrelay: execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("secretrelay: %s", resp.Status)
	}
}

// Get returns the plaintext value bound under owner/name. The relay service
// only answers this from inside a TEE context.
func (c *Client) Get(ctx context.Context, owner, name string) (string, error) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return "", fmt.Errorf("secretrelay: owner and name are required")
	}

	endpoint := c.baseURL + "/secrets/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("secretrelay: create request: %w", err)
	}
	req.Header.Set(serviceauth.OwnerHeader, owner)
	c.setIdentity(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("secretrelay: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("secretrelay: %s/%s: %w", owner, name, types.ErrSecretNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secretrelay: %s", readErrorBody(resp))
	}

	var out struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err := dec.Decode(&out); err != nil {
		return "", fmt.Errorf("secretrelay: decode response: %w", err)
	}
	return out.Value, nil
}

func (c *Client) setIdentity(req *http.Request) {
	if c.callerServiceID != "" {
		req.Header.Set(serviceauth.ServiceIDHeader, c.callerServiceID)
	}
}

func readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := ""
	if err == nil {
		msg = strings.TrimSpace(string(body))
	}
	if msg != "" {
		return resp.Status + ": " + msg
	}
	return resp.Status
}
