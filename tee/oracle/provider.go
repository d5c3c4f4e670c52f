package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sealedai/relay/tee/types"
)

// Provider identifiers. Selection is always explicit configuration; the
// executor never sniffs credential strings to guess where to send a prompt.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMistral   = "mistral"
	ProviderCustom    = "custom"
	ProviderSimulated = "simulated"
)

// ChatRequest is one prompt dispatch to an upstream provider.
type ChatRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// ChatResponse carries the upstream completion.
type ChatResponse struct {
	Content   string
	ModelUsed string
	Usage     types.Usage
}

// ProviderClient calls one upstream AI provider's chat endpoint. Adding a
// provider means adding one implementation; the executor's algorithm does
// not change.
type ProviderClient interface {
	Name() string
	Chat(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error)
}

// ProviderResolver maps a provider identifier to a client.
type ProviderResolver interface {
	Resolve(name string) (ProviderClient, error)
}

const (
	defaultOpenAIBase    = "https://api.openai.com"
	defaultAnthropicBase = "https://api.anthropic.com"
	defaultMistralBase   = "https://api.mistral.ai"

	anthropicVersion = "2023-06-01"
)

// Registry resolves provider clients from explicit configuration.
type Registry struct {
	clients map[string]ProviderClient
}

// RegistryConfig configures the provider registry.
type RegistryConfig struct {
	// Simulated selects the canned provider for every identifier. Used for
	// local development and tests; never inferred from credentials.
	Simulated bool
	// HTTPClient executes upstream calls. Nil gets a 60s-timeout default.
	HTTPClient *http.Client
	// Endpoint overrides, keyed by provider identifier. The "custom"
	// provider requires one.
	Endpoints map[string]string
}

// NewRegistry builds the registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clients := make(map[string]ProviderClient)

	if cfg.Simulated {
		sim := &SimulatedProvider{}
		for _, name := range []string{ProviderOpenAI, ProviderAnthropic, ProviderMistral, ProviderCustom, ProviderSimulated} {
			clients[name] = sim
		}
		return &Registry{clients: clients}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	endpoint := func(name, fallback string) string {
		if v := strings.TrimSpace(cfg.Endpoints[name]); v != "" {
			return strings.TrimRight(v, "/")
		}
		return fallback
	}

	clients[ProviderOpenAI] = &openAIClient{name: ProviderOpenAI, client: client, baseURL: endpoint(ProviderOpenAI, defaultOpenAIBase)}
	clients[ProviderAnthropic] = &anthropicClient{client: client, baseURL: endpoint(ProviderAnthropic, defaultAnthropicBase)}
	clients[ProviderMistral] = &openAIClient{name: ProviderMistral, client: client, baseURL: endpoint(ProviderMistral, defaultMistralBase)}
	if custom := strings.TrimSpace(cfg.Endpoints[ProviderCustom]); custom != "" {
		clients[ProviderCustom] = &openAIClient{name: ProviderCustom, client: client, baseURL: strings.TrimRight(custom, "/")}
	}
	clients[ProviderSimulated] = &SimulatedProvider{}

	return &Registry{clients: clients}
}

// Resolve returns the client for a provider identifier.
func (r *Registry) Resolve(name string) (ProviderClient, error) {
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return client, nil
}

// openAIClient speaks the OpenAI chat-completions shape, which Mistral and
// most custom gateways share.
type openAIClient struct {
	name    string
	client  *http.Client
	baseURL string
}

func (c *openAIClient) Name() string { return c.name }

func (c *openAIClient) Chat(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
	payload := map[string]any{
		"model": req.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := postJSON(ctx, c.client, c.name, c.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + credential,
	})
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return nil, &types.ProviderAPIError{Provider: c.name, Message: "response missing choices[0].message.content"}
	}

	return &ChatResponse{
		Content:   content.String(),
		ModelUsed: gjson.GetBytes(body, "model").String(),
		Usage: types.Usage{
			PromptTokens:     int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
			TotalTokens:      int(gjson.GetBytes(body, "usage.total_tokens").Int()),
		},
	}, nil
}

// anthropicClient speaks the Anthropic messages shape.
type anthropicClient struct {
	client  *http.Client
	baseURL string
}

func (c *anthropicClient) Name() string { return ProviderAnthropic }

func (c *anthropicClient) Chat(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	body, err := postJSON(ctx, c.client, ProviderAnthropic, c.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         credential,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "content.0.text")
	if !content.Exists() {
		return nil, &types.ProviderAPIError{Provider: ProviderAnthropic, Message: "response missing content[0].text"}
	}

	input := int(gjson.GetBytes(body, "usage.input_tokens").Int())
	output := int(gjson.GetBytes(body, "usage.output_tokens").Int())

	return &ChatResponse{
		Content:   content.String(),
		ModelUsed: gjson.GetBytes(body, "model").String(),
		Usage: types.Usage{
			PromptTokens:     input,
			CompletionTokens: output,
			TotalTokens:      input + output,
		},
	}, nil
}

// SimulatedProvider returns a canned completion without any network call.
type SimulatedProvider struct{}

func (s *SimulatedProvider) Name() string { return ProviderSimulated }

func (s *SimulatedProvider) Chat(_ context.Context, _ string, req ChatRequest) (*ChatResponse, error) {
	promptTokens := len(strings.Fields(req.Prompt))
	content := "simulated response to: " + req.Prompt
	completionTokens := len(strings.Fields(content))
	return &ChatResponse{
		Content:   content,
		ModelUsed: req.Model,
		Usage: types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, payload any, headers map[string]string) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &types.ProviderAPIError{Provider: provider, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &types.ProviderAPIError{Provider: provider, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.ProviderAPIError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
