package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// JobTempDir returns uploadID's private temp subdirectory under root.
func JobTempDir(root, uploadID string) string {
	return filepath.Join(root, "job-"+uploadID)
}

// ConfinePath normalizes candidate and verifies it stays within root,
// rejecting any path (e.g. via "../" segments) that would escape it.
// Path-confinement check adapted from the pack's media-library path handling, applied
// here to per-job scratch files instead of a browsable directory tree.
func ConfinePath(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", werr.New(werr.Internal, "pipeline.ConfinePath", err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", werr.New(werr.Internal, "pipeline.ConfinePath", err)
	}
	absRoot = filepath.Clean(absRoot)
	absCandidate = filepath.Clean(absCandidate)

	if absCandidate != absRoot && !strings.HasPrefix(absCandidate, absRoot+string(filepath.Separator)) {
		return "", werr.Newf(werr.InvalidArgument, "pipeline.ConfinePath", "path %q escapes root %q", candidate, root)
	}
	return absCandidate, nil
}
