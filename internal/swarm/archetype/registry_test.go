package archetype

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newLoadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(newTestLogger(t))
	if err := r.LoadDefaults(); err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	return r
}

func TestLoadDefaults(t *testing.T) {
	r := newLoadedRegistry(t)

	for _, id := range []string{ManagerID, WorkerID, "researcher", "reviewer"} {
		if !r.Exists(id) {
			t.Errorf("expected embedded archetype %q", id)
		}
	}

	mgr, err := r.Get(ManagerID)
	if err != nil {
		t.Fatalf("get manager failed: %v", err)
	}
	if mgr.Name == "" || mgr.Prompt == "" {
		t.Errorf("manager archetype incomplete: %+v", mgr)
	}
	if !strings.Contains(mgr.Prompt, "speak_to_user") {
		t.Error("manager prompt should describe the speak_to_user tool")
	}
}

func TestPrompt(t *testing.T) {
	r := newLoadedRegistry(t)

	prompt, err := r.Prompt(WorkerID)
	if err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	if !strings.Contains(prompt, "worker agent") {
		t.Errorf("unexpected worker prompt: %q", prompt[:40])
	}

	if _, err := r.Prompt("no-such-archetype"); err == nil {
		t.Error("expected error for unknown archetype")
	}
}

func TestListSorted(t *testing.T) {
	r := newLoadedRegistry(t)

	list := r.List()
	if len(list) < 4 {
		t.Fatalf("expected at least 4 archetypes, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("list not sorted: %q before %q", list[i-1].ID, list[i].ID)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	r := newLoadedRegistry(t)

	dir := t.TempDir()
	override := `---
id: worker
name: Custom Worker
description: Replaced by operator
---
Custom worker instructions.
`
	if err := os.WriteFile(filepath.Join(dir, "worker.md"), []byte(override), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	extra := `---
id: tester
name: Tester
---
Run the test suite and report failures.
`
	if err := os.WriteFile(filepath.Join(dir, "tester.md"), []byte(extra), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// Non-markdown files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := r.LoadOverrides(dir); err != nil {
		t.Fatalf("load overrides failed: %v", err)
	}

	worker, err := r.Get(WorkerID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if worker.Name != "Custom Worker" || worker.Prompt != "Custom worker instructions." {
		t.Errorf("override not applied: %+v", worker)
	}
	if !r.Exists("tester") {
		t.Error("expected new archetype from overrides")
	}
}

func TestLoadOverridesMissingDir(t *testing.T) {
	r := newLoadedRegistry(t)
	if err := r.LoadOverrides(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("missing override dir should not error: %v", err)
	}
}

func TestLoadOverridesSkipsInvalid(t *testing.T) {
	r := newLoadedRegistry(t)

	dir := t.TempDir()
	// Unterminated front matter.
	bad := "---\nid: broken\nNo closing fence."
	if err := os.WriteFile(filepath.Join(dir, "broken.md"), []byte(bad), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := r.LoadOverrides(dir); err != nil {
		t.Fatalf("load overrides failed: %v", err)
	}
	if r.Exists("broken") {
		t.Error("invalid archetype should have been skipped")
	}
}

func TestParseArchetypeWithoutFrontMatter(t *testing.T) {
	arch, err := parseArchetype("plain.md", []byte("Just a prompt.\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if arch.ID != "plain" {
		t.Errorf("expected id from filename, got %q", arch.ID)
	}
	if arch.Prompt != "Just a prompt." {
		t.Errorf("unexpected prompt: %q", arch.Prompt)
	}
}

func TestParseArchetypeEmptyBody(t *testing.T) {
	if _, err := parseArchetype("empty.md", []byte("---\nid: empty\n---\n  \n")); err == nil {
		t.Error("expected error for empty prompt body")
	}
}

func TestParseArchetypeModelPreset(t *testing.T) {
	data := []byte("---\nid: fast\nname: Fast Worker\nmodel: openai/gpt-5.3-codex/low\n---\nBe quick.\n")
	arch, err := parseArchetype("fast.md", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if arch.Model != "openai/gpt-5.3-codex/low" {
		t.Errorf("unexpected model: %q", arch.Model)
	}
}
