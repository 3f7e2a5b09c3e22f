package prd

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the optional YAML block at the top of an item file.
type Frontmatter struct {
	Priority  string   `yaml:"priority"`
	DependsOn []string `yaml:"depends_on"`
}

// ParseFrontmatter extracts the YAML frontmatter from item content.
// Returns the frontmatter, the remaining body, and any parse error.
// Content without a frontmatter block passes through untouched.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:]

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}
	for i, d := range fm.DependsOn {
		fm.DependsOn[i] = Stem(strings.TrimSpace(d))
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
