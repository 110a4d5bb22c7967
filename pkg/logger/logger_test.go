package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))
	defer Init(false)

	InfoCF("router", "Backend selected", map[string]interface{}{"backend": "gemma", "score": 90})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "router" {
		t.Fatalf("expected component router, got %v", ctx["component"])
	}
	if ctx["backend"] != "gemma" {
		t.Fatalf("expected backend field, got %v", ctx["backend"])
	}
	if entries[0].Message != "Backend selected" {
		t.Fatalf("unexpected message %q", entries[0].Message)
	}
}

func TestWarnC_NoFields(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	Replace(zap.New(core))
	defer Init(false)

	DebugC("safety", "dropped below level")
	WarnC("safety", "kept")

	if logs.Len() != 1 {
		t.Fatalf("expected only the warn entry, got %d", logs.Len())
	}
	if logs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %v", logs.All()[0].Level)
	}
}

func TestSetLevel_Enabled(t *testing.T) {
	defer SetLevel(INFO)

	SetLevel(WARN)
	if Enabled(INFO) {
		t.Fatal("info should be filtered at warn level")
	}
	if !Enabled(ERROR) {
		t.Fatal("error should pass at warn level")
	}

	SetLevel(DEBUG)
	if !Enabled(DEBUG) {
		t.Fatal("debug should pass at debug level")
	}
}
