// Package prompts loads the per-stage prompt catalogue.
package prompts

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultCatalogue []byte

// Roles in pipeline order.
const (
	RoleTranscribe = "transcribe"
	RoleCritique   = "critique"
	RoleSynthesize = "synthesize"
)

// Roles lists every role a catalogue must define.
var Roles = []string{RoleTranscribe, RoleCritique, RoleSynthesize}

// Input is the data available to user templates.
type Input struct {
	Title        string
	Author       string
	Duration     string
	Instructions []string
	Transcript   string
	Critique     string
	// Language the output is written in; empty follows the video.
	Language     string
}

// Prompt is one stage's system prompt, user template and sampling settings.
type Prompt struct {
	System      string  `yaml:"system"`
	User        string  `yaml:"user"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Search      bool    `yaml:"search"`

	tmpl *template.Template
}

// Render executes the user template.
func (p *Prompt) Render(in Input) (string, error) {
	var sb strings.Builder
	if err := p.tmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Catalogue maps roles to prompts.
type Catalogue struct {
	prompts map[string]*Prompt
}

// Default returns the embedded catalogue.
func Default() (*Catalogue, error) {
	return Parse(defaultCatalogue)
}

// Parse decodes a YAML catalogue. Every role in Roles must be present with a
// system prompt and a valid user template.
func Parse(data []byte) (*Catalogue, error) {
	raw := map[string]*Prompt{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing prompt catalogue: %w", err)
	}
	for _, role := range Roles {
		p, ok := raw[role]
		if !ok || p == nil {
			return nil, fmt.Errorf("prompt catalogue: missing role %q", role)
		}
		if strings.TrimSpace(p.System) == "" {
			return nil, fmt.Errorf("prompt catalogue: role %q has no system prompt", role)
		}
		tmpl, err := template.New(role).Option("missingkey=error").Parse(p.User)
		if err != nil {
			return nil, fmt.Errorf("prompt catalogue: role %q: %w", role, err)
		}
		p.System = strings.TrimSpace(p.System)
		p.tmpl = tmpl
	}
	return &Catalogue{prompts: raw}, nil
}

// Get returns the prompt for role.
func (c *Catalogue) Get(role string) (*Prompt, error) {
	p, ok := c.prompts[role]
	if !ok {
		return nil, fmt.Errorf("no prompt for role %q", role)
	}
	return p, nil
}
