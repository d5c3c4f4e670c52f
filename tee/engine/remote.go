package engine

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
	defaultPollInterval = 2 * time.Second
	defaultMaxBodySize  = 4 << 20 // 4MiB
)

// PlatformConfig configures the remote compute platform client.
type PlatformConfig struct {
	// BaseURL of the platform control plane (e.g. https://compute:8090).
	BaseURL string
	// HTTPClient executes requests. Nil gets a 30s-timeout default.
	HTTPClient *http.Client
	// CallerServiceID is propagated for mesh environments without verified
	// mTLS identity.
	CallerServiceID string
	// PollInterval between result fetches during AwaitResult.
	PollInterval time.Duration
	// MaxBodyBytes caps response bodies.
	MaxBodyBytes int64
}

// Platform dispatches task phases onto the external confidential-compute
// platform over HTTP. Secret bindings are injected by the platform inside
// the enclave; this client never sees bound values.
type Platform struct {
	baseURL         string
	httpClient      *http.Client
	callerServiceID string
	pollInterval    time.Duration
	maxBodyBytes    int64
}

var _ types.TaskEngine = (*Platform)(nil)

// NewPlatform creates the platform client.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("engine: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("engine: BaseURL must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("engine: BaseURL scheme must be http or https")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	return &Platform{
		baseURL:         baseURL,
		httpClient:      client,
		callerServiceID: strings.TrimSpace(cfg.CallerServiceID),
		pollInterval:    interval,
		maxBodyBytes:    maxBody,
	}, nil
}

// Dispatch submits a task to the platform and returns its id.
func (p *Platform) Dispatch(ctx context.Context, req types.TaskRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("engine: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("engine: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setIdentity(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("engine: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine: dispatch: %s", readErrorBody(resp))
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err := dec.Decode(&out); err != nil {
		return "", fmt.Errorf("engine: decode dispatch response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("engine: dispatch response missing task_id")
	}
	return out.TaskID, nil
}

// AwaitResult polls the platform until the task's output record is fetchable
// or timeout elapses. The platform keeps results; a timed-out await can be
// retried later.
func (p *Platform) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		record, ready, err := p.fetchResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if ready {
			return record, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("engine: %s after %s: %w", taskID, timeout, types.ErrTaskTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Platform) fetchResult(ctx context.Context, taskID string) ([]byte, bool, error) {
	endpoint := p.baseURL + "/tasks/" + url.PathEscape(taskID) + "/result"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, false, fmt.Errorf("engine: create request: %w", err)
	}
	p.setIdentity(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("engine: execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		record, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
		if err != nil {
			return nil, false, fmt.Errorf("engine: read result: %w", err)
		}
		return record, true, nil
	case http.StatusAccepted, http.StatusNoContent:
		// Task still running.
		return nil, false, nil
	case http.StatusNotFound:
		return nil, false, fmt.Errorf("engine: %s: %w", taskID, types.ErrTaskNotFound)
	default:
		return nil, false, fmt.Errorf("engine: fetch result: %s", readErrorBody(resp))
	}
}

func (p *Platform) setIdentity(req *http.Request) {
	if p.callerServiceID != "" {
		req.Header.Set(serviceauth.ServiceIDHeader, p.callerServiceID)
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
