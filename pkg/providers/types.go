package providers

import (
	"context"
	"errors"
	"fmt"
)

// Options are the per-call generation parameters.
type Options struct {
	Temperature     float64
	MaxOutputTokens int
}

// Generator produces raw text for a prompt. It is the only capability the
// narrator needs from a backend: one synchronous call, no streaming.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts Options) (string, error)
}

// Backend is a Generator that can also report which models it serves.
type Backend interface {
	Generator
	ListModels(ctx context.Context) ([]string, error)
	Name() string
}

// TransportError reports a backend that could not be reached or answered
// with a failure status. Callers treat it as retryable.
type TransportError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transport error (model=%s status=%d): %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transport error (model=%s): %v", e.Provider, e.Model, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, model, prompt string, opts Options) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, model, prompt string, opts Options) (string, error) {
	return f(ctx, model, prompt, opts)
}
