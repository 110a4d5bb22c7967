package providers

import (
	"errors"
	"net/http"
	"strings"
)

// Authorizer adds credentials to an outgoing backend request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// BearerKey sends a static API key as a bearer token.
type BearerKey string

func (k BearerKey) Authorize(req *http.Request) error {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return errors.New("api key is empty")
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

// Anonymous is for local OpenAI-compatible servers that take no key.
type Anonymous struct{}

func (Anonymous) Authorize(*http.Request) error { return nil }

func authorizerFor(key string) Authorizer {
	if strings.TrimSpace(key) == "" {
		return Anonymous{}
	}
	return BearerKey(key)
}
