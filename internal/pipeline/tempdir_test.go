package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

func TestConfinePathAcceptsChild(t *testing.T) {
	root := t.TempDir()
	p, err := ConfinePath(root, filepath.Join(root, "job-1", "source.mp4"))
	if err != nil {
		t.Fatalf("ConfinePath: %v", err)
	}
	if p == "" {
		t.Error("expected a non-empty confined path")
	}
}

func TestConfinePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ConfinePath(root, filepath.Join(root, "..", "etc", "passwd"))
	if !werr.Is(err, werr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for an escaping path, got %v", err)
	}
}
