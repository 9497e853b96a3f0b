// Package agentdef loads the agent CLI definitions that PTY workers are
// spawned from.
package agentdef

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Definition declares how to launch one agent CLI.
type Definition struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	ContinueArgs []string          `yaml:"continueArgs"` // appended when resuming a prior conversation
	Env          map[string]string `yaml:"env"`
}

type definitionsFile struct {
	Agents []Definition `yaml:"agents"`
}

// Registry holds the known agent definitions, keyed by id.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// Defaults returns the built-in definitions used when no agents.yaml exists.
func Defaults() []Definition {
	return []Definition{
		{
			ID:           "claude-code",
			Name:         "Claude Code",
			Command:      "claude",
			ContinueArgs: []string{"-c"},
		},
		{
			ID:           "codex",
			Name:         "Codex CLI",
			Command:      "codex",
			ContinueArgs: []string{"resume", "--last"},
		},
		{
			ID:           "gemini",
			Name:         "Gemini CLI",
			Command:      "gemini",
		},
	}
}

// Load reads definitions from the given YAML path. A missing file yields the
// built-in defaults; a malformed file is an error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewRegistry(Defaults()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent definitions: %w", err)
	}
	for i, def := range file.Agents {
		if def.ID == "" {
			return nil, fmt.Errorf("agent definition %d: missing id", i)
		}
		if def.Command == "" {
			return nil, fmt.Errorf("agent definition %q: missing command", def.ID)
		}
	}
	if len(file.Agents) == 0 {
		return NewRegistry(Defaults()), nil
	}
	return NewRegistry(file.Agents), nil
}

// NewRegistry builds a registry from a definition list. Later entries with a
// duplicate id override earlier ones.
func NewRegistry(defs []Definition) *Registry {
	m := make(map[string]Definition, len(defs))
	for _, def := range defs {
		m[def.ID] = def
	}
	return &Registry{defs: m}
}

// Get returns the definition for an agent id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// List returns all definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LaunchArgs returns the argument list for a fresh or resumed launch.
func (d Definition) LaunchArgs(resume bool) []string {
	args := append([]string{}, d.Args...)
	if resume {
		args = append(args, d.ContinueArgs...)
	}
	return args
}

// EnvSlice renders the definition environment as KEY=VALUE pairs.
func (d Definition) EnvSlice() []string {
	if len(d.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}
