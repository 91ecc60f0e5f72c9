package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("negotiation")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("resolved", "outcome", "granted")

	out := buf.String()
	if !strings.Contains(out, "msg=resolved") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=negotiation") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "outcome=granted") {
		t.Fatalf("expected outcome field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("picker")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestSetLevelKeepsHandler(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "error", &buf)
	SetLevel("debug")

	L("loopback").Debug("navigation observed")

	if !strings.Contains(buf.String(), `"msg":"navigation observed"`) {
		t.Fatalf("expected json debug line, got: %s", buf.String())
	}
}

func TestWithNegotiationAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	WithNegotiation(L("negotiation"), "n-1", "req-7").Info("started")

	out := buf.String()
	if !strings.Contains(out, "negotiationId=n-1") || !strings.Contains(out, "requestId=req-7") {
		t.Fatalf("missing correlation fields: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}
	custom := L("custom")
	ctx := NewContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenshare.log")
	w, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("current size = %d, want %d", info.Size(), len(chunk))
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	w.Close()
	if _, err := w.Write([]byte("late")); err == nil {
		t.Fatal("write after close should fail")
	}
}
