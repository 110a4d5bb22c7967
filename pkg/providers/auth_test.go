package providers

import (
	"net/http"
	"testing"
)

func TestBearerKey_RejectsBlankKey(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if err := BearerKey("   ").Authorize(req); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestBearerKey_SetsTrimmedHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if err := BearerKey(" sk-1 ").Authorize(req); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestAuthorizerFor(t *testing.T) {
	if _, ok := authorizerFor("").(Anonymous); !ok {
		t.Fatalf("expected anonymous auth for a blank key")
	}
	if _, ok := authorizerFor("sk-2").(BearerKey); !ok {
		t.Fatalf("expected bearer auth when a key is set")
	}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if err := (Anonymous{}).Authorize(req); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if len(req.Header) != 0 {
		t.Fatalf("expected no headers, got %v", req.Header)
	}
}
