package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, FormatJSON)
	SetLevel(LevelDebug)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Error("save failed", errors.New("boom"), "template_id", "t1", 42, "ignored", "odd")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "save failed" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["error"] != "boom" {
		t.Fatalf("error = %v", line["error"])
	}
	if line["template_id"] != "t1" {
		t.Fatalf("template_id = %v", line["template_id"])
	}
	if _, ok := line["odd"]; ok {
		t.Fatalf("trailing odd value must be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, FormatConsole)
	SetLevel(LevelError)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden")
	Debug("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	Error("shown", nil, "k", "v")
	if !strings.Contains(buf.String(), "shown") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("unexpected console output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{"debug": LevelDebug, "": LevelInfo, " Error ": LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
