package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "ledger"))
	log.Info("debit applied", Int64("amount", 30), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	if m["comp"] != "ledger" {
		t.Fatalf("comp = %v, want ledger", m["comp"])
	}
	if m["amount"] != float64(30) {
		t.Fatalf("amount = %v, want 30", m["amount"])
	}
	if m["message"] != "debit applied" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestServiceApplySwitchesFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	child := log.With(String("comp", "test"))

	child.Debug("below threshold")
	child.Info("to first")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	child.Debug("to second")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if strings.Contains(string(a), "below threshold") || !strings.Contains(string(a), "to first") {
		t.Fatalf("first log = %q", a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !strings.Contains(string(b), `"message":"to second"`) || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("second log = %q", b)
	}
}
