package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderEmbedded(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Render("result.win", map[string]any{"MatchID": "m1", "OpponentID": "opp"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "m1") || !strings.Contains(out, "against opp") {
		t.Fatalf("unexpected text %q", out)
	}
	if _, err := c.Render("result.win", map[string]any{"MatchID": "m1"}); err == nil {
		t.Fatalf("missing field must fail")
	}
	if _, err := c.Render("nope", nil); err == nil {
		t.Fatalf("unknown key must fail")
	}
}

func TestOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("result:\n  draw: \"tie {{.MatchID}}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Render("result.draw", map[string]any{"MatchID": "m9"})
	if err != nil || out != "tie m9" {
		t.Fatalf("override not applied: %q %v", out, err)
	}
	if !c.Has("result.win") {
		t.Fatalf("embedded keys must survive overrides")
	}
}

func TestDuplicateOverrideKeys(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stats:\n  summary: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}
