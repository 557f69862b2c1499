// Package persona loads and serves persona definitions: markdown files whose
// body is the system prompt, with an optional YAML front matter block for
// model overrides. The registry is read-only at request time.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one bot personality.
type Persona struct {
	Name         string
	DisplayName  string
	SystemPrompt string

	// Optional per-persona overrides of the provider defaults.
	Model       string
	Temperature float64
	MaxTokens   int
}

// frontMatter is the optional YAML header of a persona file.
type frontMatter struct {
	DisplayName string  `yaml:"displayName"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// Registry holds loaded personas. It is populated once at startup and never
// mutated afterwards, so request-time reads need no locking.
type Registry struct {
	personas map[string]*Persona
	fallback string
}

// LoadDirectory reads every .md file in dir as a persona. The file name
// (without extension) is the persona name.
func LoadDirectory(dir, defaultName string, logger *slog.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir: %w", err)
	}

	reg := &Registry{
		personas: make(map[string]*Persona),
		fallback: defaultName,
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read persona file", "path", path, "err", err)
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".md")
		p, err := Parse(name, string(data))
		if err != nil {
			logger.Warn("cannot parse persona file", "path", path, "err", err)
			continue
		}

		reg.personas[name] = p
		logger.Info("loaded persona", "name", name, "path", path)
	}

	if len(reg.personas) == 0 {
		return nil, fmt.Errorf("no personas found in %s", dir)
	}
	if _, ok := reg.personas[defaultName]; !ok {
		return nil, fmt.Errorf("default persona %q not found in %s", defaultName, dir)
	}

	return reg, nil
}

// Parse builds a Persona from file content. A leading "---" fenced block is
// parsed as YAML front matter; the remainder is the system prompt.
func Parse(name, content string) (*Persona, error) {
	p := &Persona{
		Name:        name,
		DisplayName: name,
	}

	body := content
	if strings.HasPrefix(content, "---\n") {
		rest := content[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, fmt.Errorf("persona %s: unterminated front matter", name)
		}

		var fm frontMatter
		if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return nil, fmt.Errorf("persona %s: front matter: %w", name, err)
		}

		if fm.DisplayName != "" {
			p.DisplayName = fm.DisplayName
		}
		p.Model = fm.Model
		p.Temperature = fm.Temperature
		p.MaxTokens = fm.MaxTokens

		body = rest[end+len("\n---"):]
		body = strings.TrimPrefix(body, "\n")
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("persona %s: empty system prompt", name)
	}
	p.SystemPrompt = body

	return p, nil
}

// Get returns the named persona, or nil when unknown.
func (r *Registry) Get(name string) *Persona {
	return r.personas[name]
}

// Default returns the configured default persona.
func (r *Registry) Default() *Persona {
	return r.personas[r.fallback]
}

// Names lists loaded persona names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.personas))
	for name := range r.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
