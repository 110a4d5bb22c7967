package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/dotsetgreg/loreweaver/pkg/config"
)

const ProviderOllama = "ollama"

func init() {
	Register(ProviderOllama, Builder{New: newOllamaFromConfig, Check: validateOllamaConfig})
}

// OllamaProvider talks to a local or remote Ollama server.
type OllamaProvider struct {
	client *api.Client
	host   string
}

// NewOllamaProvider connects to host, or to OLLAMA_HOST (default
// http://127.0.0.1:11434) when host is empty.
func NewOllamaProvider(host string, httpClient *http.Client) (*OllamaProvider, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return &OllamaProvider{client: client, host: "env"}, nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: generateTimeout}
	}
	return &OllamaProvider{client: api.NewClient(u, httpClient), host: host}, nil
}

func validateOllamaConfig(cfg *config.Config) error {
	host := strings.TrimSpace(cfg.Backends.Ollama.Host)
	if host == "" {
		return nil
	}
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid ollama host %q", host)
	}
	return nil
}

func newOllamaFromConfig(cfg *config.Config) (Backend, error) {
	if err := validateOllamaConfig(cfg); err != nil {
		return nil, err
	}
	return NewOllamaProvider(cfg.Backends.Ollama.Host, nil)
}

func (p *OllamaProvider) Name() string {
	return ProviderOllama
}

// Generate asks for a JSON-formatted, non-streamed completion.
func (p *OllamaProvider) Generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxOutputTokens,
		},
	}

	var out strings.Builder
	err := p.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", p.wrap(ctx, model, err)
	}
	return out.String(), nil
}

// ListModels returns the names of locally available models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, p.wrap(ctx, "", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}
	return names, nil
}

func (p *OllamaProvider) wrap(ctx context.Context, model string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	te := &TransportError{Provider: ProviderOllama, Model: model, Err: err}
	var se api.StatusError
	if errors.As(err, &se) {
		te.StatusCode = se.StatusCode
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		te.Err = errors.New(augmentProviderError(ProviderOllama, msg))
		return te
	}
	if hint := providerHint(ProviderOllama, err.Error()); hint != "" {
		te.Err = fmt.Errorf("%w %s", err, hint)
	}
	return te
}
