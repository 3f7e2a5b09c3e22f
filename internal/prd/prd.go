// Package prd models work items: markdown files moved between a pending
// area and a done area under each project. Identity is the filename;
// dependencies are declared in the file itself.
package prd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	// PendingDirName is the per-project directory holding runnable items.
	PendingDirName = "prds"
	// DoneDirName is the terminal area nested under the pending directory.
	DoneDirName = "done"
)

var (
	itemFileRegex = regexp.MustCompile(`^[0-9A-Za-z][^/]*\.md$`)
	titleRegex    = regexp.MustCompile(`^#\s+(.+)$`)
	// Matches a declarative dependency line: "depends on: `01-a`, `01-b`"
	// (case-insensitive, optional markdown emphasis around the label).
	dependsLineRegex = regexp.MustCompile(`(?i)^\**depends\s+on\**\s*:\s*(.+)$`)
	backtickRegex    = regexp.MustCompile("`([^`]+)`")
)

// Item is one unit of schedulable work.
type Item struct {
	Name         string   // filename, the item's identity
	Path         string   // absolute path to the file
	Title        string   // first markdown heading, if any
	Priority     string   // from frontmatter, advisory
	Dependencies []string // stems of items this one waits for
	Done         bool     // resides in the terminal area
}

// Stem returns the item's name without the markdown extension, the form
// dependencies refer to it by.
func (it *Item) Stem() string {
	return Stem(it.Name)
}

// Stem strips the markdown extension from an item name.
func Stem(name string) string {
	return strings.TrimSuffix(name, ".md")
}

// PendingDir returns the pending area for a project.
func PendingDir(projectPath string) string {
	return filepath.Join(projectPath, PendingDirName)
}

// DoneDir returns the terminal area for a project.
func DoneDir(projectPath string) string {
	return filepath.Join(projectPath, PendingDirName, DoneDirName)
}

// Load parses a single item file.
func Load(path string, done bool) (*Item, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parsing frontmatter of %s: %w", filepath.Base(path), err)
	}

	deps := fm.DependsOn
	deps = append(deps, parseInlineDependencies(body)...)

	return &Item{
		Name:         filepath.Base(path),
		Path:         path,
		Title:        extractTitle(body),
		Priority:     fm.Priority,
		Dependencies: dedupe(deps),
		Done:         done,
	}, nil
}

// List returns all items for a project, pending first, then done, each
// group sorted by name. A missing pending area yields an empty list, not
// an error; the project may simply not be initialized yet.
func List(projectPath string) ([]*Item, error) {
	var items []*Item

	pending, err := listDir(PendingDir(projectPath), false)
	if err != nil {
		return nil, err
	}
	done, err := listDir(DoneDir(projectPath), true)
	if err != nil {
		return nil, err
	}

	items = append(items, pending...)
	items = append(items, done...)
	return items, nil
}

func listDir(dir string, done bool) ([]*Item, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var items []*Item
	for _, e := range entries {
		if e.IsDir() || !itemFileRegex.MatchString(e.Name()) {
			continue
		}
		item, err := Load(filepath.Join(dir, e.Name()), done)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", e.Name(), err)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

// Unmet returns the declared dependencies of item that are not done, given
// the set of done item stems. A dependency naming no known item counts as
// unmet: the gate stays shut until the named item shows up finished.
func Unmet(item *Item, doneStems map[string]bool) []string {
	var unmet []string
	for _, dep := range item.Dependencies {
		if !doneStems[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// DoneStems builds the done-set Unmet consumes from a full item listing.
func DoneStems(items []*Item) map[string]bool {
	done := make(map[string]bool)
	for _, it := range items {
		if it.Done {
			done[it.Stem()] = true
		}
	}
	return done
}

// parseInlineDependencies scans the body for a "depends on:" line and
// extracts the referenced item stems. Backticked names are preferred;
// otherwise the list is split on commas.
func parseInlineDependencies(body []byte) []string {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		matches := dependsLineRegex.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if matches == nil {
			continue
		}
		rest := matches[1]

		var deps []string
		if ticked := backtickRegex.FindAllStringSubmatch(rest, -1); ticked != nil {
			for _, m := range ticked {
				deps = append(deps, Stem(strings.TrimSpace(m[1])))
			}
			return deps
		}
		for _, part := range strings.Split(rest, ",") {
			part = strings.TrimSpace(part)
			if part != "" && strings.ToLower(part) != "none" {
				deps = append(deps, Stem(part))
			}
		}
		return deps
	}
	return nil
}

func extractTitle(body []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if matches := titleRegex.FindStringSubmatch(scanner.Text()); matches != nil {
			return strings.TrimSpace(matches[1])
		}
	}
	return ""
}

func dedupe(deps []string) []string {
	seen := make(map[string]bool, len(deps))
	var out []string
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
