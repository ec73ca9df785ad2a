// Package manifest reads the optional file that selects, orders and names
// the inputs of a merge.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/nilmprep/internal/apperr"
	"github.com/starford/nilmprep/internal/models"
)

// Entry selects one input file and optionally overrides its column name.
type Entry struct {
	File string `yaml:"file"`
	Name string `yaml:"name"`
}

// UnmarshalYAML accepts either a bare file name or a {file, name} mapping.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.File = node.Value
		return nil
	}
	type plain Entry
	return node.Decode((*plain)(e))
}

// Manifest is an ordered list of entries.
type Manifest struct {
	Files []Entry `yaml:"files"`
}

// Load reads a manifest from disk. Files ending in .yaml or .yml are
// parsed as YAML; anything else as one entry per line.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseText(data)
	}
}

// ParseYAML parses a YAML manifest.
func ParseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse yaml: %w", err)
	}
	return m.validate()
}

// ParseText parses a line-oriented manifest. Blank lines and lines
// starting with # are ignored; "file=name" renames the column.
func ParseText(data []byte) (*Manifest, error) {
	var m Manifest
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		file, name, _ := strings.Cut(line, "=")
		m.Files = append(m.Files, Entry{File: strings.TrimSpace(file), Name: strings.TrimSpace(name)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("manifest: scan: %w", err)
	}
	return m.validate()
}

func (m *Manifest) validate() (*Manifest, error) {
	seen := make(map[string]struct{}, len(m.Files))
	for i, e := range m.Files {
		if e.File == "" {
			return nil, fmt.Errorf("manifest: entry %d has no file: %w", i+1, apperr.ErrInvalidInput)
		}
		key := filepath.ToSlash(filepath.Clean(e.File))
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("manifest: %s listed twice: %w", e.File, apperr.ErrConflict)
		}
		seen[key] = struct{}{}
		m.Files[i].File = key
	}
	return m, nil
}

// Apply restricts files to the manifest entries, in manifest order, and
// applies name overrides. A listed file that is not present is an error.
func (m *Manifest) Apply(files []models.InputFile) ([]models.InputFile, error) {
	byPath := make(map[string]models.InputFile, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}
	out := make([]models.InputFile, 0, len(m.Files))
	for _, e := range m.Files {
		f, ok := byPath[e.File]
		if !ok {
			return nil, fmt.Errorf("manifest: %s: %w", e.File, apperr.ErrNotFound)
		}
		if e.Name != "" {
			f.Name = e.Name
		}
		out = append(out, f)
	}
	return out, nil
}
