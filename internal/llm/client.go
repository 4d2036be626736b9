// Package llm is the thin provider-agnostic layer over AI completion
// APIs. Adapters register against a Client; callers never talk to a
// provider SDK directly.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is a single non-streaming completion call. The decision
// engine always sets ResponseSchema guidance through the system prompt;
// adapters only need to carry the text through.
type Request struct {
	Provider    string
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature *float64
}

func (r *Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.User) == "" {
		return &ConfigurationError{Message: "user prompt is required"}
	}
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// ConfigurationError marks caller mistakes (bad request shape, unknown
// provider). Never retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "llm configuration error: " + e.Message }

type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
}

func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[adapter.Name()] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = adapter.Name()
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = strings.ToLower(strings.TrimSpace(name))
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := strings.ToLower(strings.TrimSpace(req.Provider))
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov
	return adapter.Complete(ctx, req)
}
