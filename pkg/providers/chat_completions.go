package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dotsetgreg/loreweaver/pkg/config"
)

const (
	ProviderOpenAI = "openai"

	generateTimeout = 120 * time.Second
	maxErrorBytes   = 2000
)

func init() {
	Register(ProviderOpenAI, Builder{New: newChatCompletionsFromConfig, Check: checkChatCompletionsConfig})
}

// ChatCompletions speaks the OpenAI chat-completions protocol, which llama.cpp,
// vLLM and LM Studio servers also expose.
type ChatCompletions struct {
	base   string
	auth   Authorizer
	client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
}

// NewChatCompletions targets base (for example https://api.openai.com/v1). A
// nil auth sends no credentials; proxy, when set, routes every call through it.
func NewChatCompletions(base, proxy string, auth Authorizer) (*ChatCompletions, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("openai api_base not configured")
	}
	if auth == nil {
		auth = Anonymous{}
	}

	client := &http.Client{Timeout: generateTimeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse openai proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &ChatCompletions{base: base, auth: auth, client: client}, nil
}

func checkChatCompletionsConfig(cfg *config.Config) error {
	base := cfg.GetOpenAIBase()
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid openai api_base %q", base)
	}
	if strings.HasSuffix(u.Hostname(), "api.openai.com") && strings.TrimSpace(cfg.Backends.OpenAI.APIKey) == "" {
		return fmt.Errorf("openai api_key is required for %s", u.Host)
	}
	return nil
}

func newChatCompletionsFromConfig(cfg *config.Config) (Backend, error) {
	if err := checkChatCompletionsConfig(cfg); err != nil {
		return nil, err
	}
	o := cfg.Backends.OpenAI
	return NewChatCompletions(cfg.GetOpenAIBase(), o.Proxy, authorizerFor(o.APIKey))
}

func (c *ChatCompletions) Name() string { return ProviderOpenAI }

// Generate sends prompt as a single user message and asks for a JSON object.
func (c *ChatCompletions) Generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	model = strings.TrimSpace(model)
	payload, err := json.Marshal(chatRequest{
		Model:          model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		ResponseFormat: map[string]string{"type": "json_object"},
		MaxTokens:      opts.MaxOutputTokens,
		Temperature:    opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	body, err := c.call(ctx, http.MethodPost, "/chat/completions", model, payload)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", &TransportError{Provider: ProviderOpenAI, Model: model, Err: errors.New("response is not JSON")}
	}
	return messageText(gjson.GetBytes(body, "choices.0.message.content")), nil
}

// ListModels reads GET /models. Blank ids are skipped.
func (c *ChatCompletions) ListModels(ctx context.Context) ([]string, error) {
	body, err := c.call(ctx, http.MethodGet, "/models", "", nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, &TransportError{Provider: ProviderOpenAI, Err: errors.New("model list has no data array")}
	}
	var names []string
	for _, id := range data.Get("#.id").Array() {
		if name := strings.TrimSpace(id.String()); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *ChatCompletions) call(ctx context.Context, method, path, model string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build openai request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Authorize(req); err != nil {
		return nil, fmt.Errorf("authorize openai request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Provider: ProviderOpenAI, Model: model, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Provider: ProviderOpenAI, Model: model, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &TransportError{
			Provider:   ProviderOpenAI,
			Model:      model,
			StatusCode: resp.StatusCode,
			Err:        errors.New(augmentProviderError(ProviderOpenAI, apiErrorMessage(raw))),
		}
	}
	return raw, nil
}

// messageText accepts both the plain string form of message content and the
// array-of-parts form some servers return.
func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var sb strings.Builder
	for _, part := range content.Array() {
		if t := part.Get("text"); t.Exists() {
			sb.WriteString(t.String())
		} else if t := part.Get("content"); t.Type == gjson.String {
			sb.WriteString(t.String())
		}
	}
	return sb.String()
}

func apiErrorMessage(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "empty response body"
	}
	if gjson.Valid(text) {
		for _, path := range []string{"error.message", "message", "error"} {
			if v := gjson.Get(text, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	if len(text) > maxErrorBytes {
		return text[:maxErrorBytes] + "..."
	}
	return text
}
