// Package projkey derives the canonical project key used to name lock and
// claim files. Every producer and consumer of coordination state (worker
// launcher, lock manager, status reader) must go through Derive; two code
// paths computing the key differently is how locks go invisible.
package projkey

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// KeyVersion identifies the derivation formula. Bump only with a migration
// plan for existing lock files.
const KeyVersion = 1

var slugStrip = regexp.MustCompile(`[^a-z0-9-]+`)

// Derive returns the canonical key for a project path: a lowercase slug of
// the directory name plus the first 8 hex chars of the SHA-256 of the
// canonical absolute path. The slug keeps lock files human-readable; the
// hash disambiguates same-named directories.
func Derive(projectPath string) string {
	canonical := Canonicalize(projectPath)

	sum := sha256.Sum256([]byte(canonical))
	return slug(filepath.Base(canonical)) + "-" + hex.EncodeToString(sum[:4])
}

// Canonicalize resolves a project path to the absolute, symlink-free,
// separator-trimmed form the key is computed over.
func Canonicalize(projectPath string) string {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)
	if len(abs) > 1 {
		abs = strings.TrimRight(abs, string(filepath.Separator))
	}
	return abs
}

func slug(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugStrip.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	return s
}
