// Package tools holds the capability plugins a voice agent can call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolTimeout  = errors.New("tool timeout")
)

// Call is one invocation. User context travels here so plugins stay
// stateless across sessions.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
	SessionID string
	UserID    string
}

// Invoker runs a tool call and returns its textual result.
type Invoker func(ctx context.Context, call Call) (string, error)

type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema object of the parameters.
	Schema map[string]any
	Invoke Invoker
}

// Plugin groups tools under one capability name.
type Plugin struct {
	Name     string
	Guidance string
	Tools    []Tool
}

// Registry is shared by all sessions and read-mostly after startup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	byTool  map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		byTool:  make(map[string]Tool),
	}
}

// Register adds p. Tool names must be unique across plugins and must not
// shadow a builtin.
func (r *Registry) Register(p Plugin) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return errors.New("plugin name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugin %q already registered", name)
	}
	for _, t := range p.Tools {
		if t.Name == "" || t.Invoke == nil {
			return fmt.Errorf("plugin %q: tool needs a name and an invoker", name)
		}
		if IsBuiltin(t.Name) {
			return fmt.Errorf("plugin %q: tool %q shadows a builtin", name, t.Name)
		}
		if _, ok := r.byTool[t.Name]; ok {
			return fmt.Errorf("plugin %q: tool %q already registered", name, t.Name)
		}
	}
	for _, t := range p.Tools {
		if t.Schema == nil {
			t.Schema = BuildSchema(nil)
		}
		r.byTool[t.Name] = t
	}
	p.Name = name
	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Plugins returns the enabled plugins in registration order. An empty
// names list enables every plugin; unknown names are ignored.
func (r *Registry) Plugins(names []string) []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := map[string]bool{}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			want[n] = true
		}
	}
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		if len(want) > 0 && !want[name] {
			continue
		}
		out = append(out, r.plugins[name])
	}
	return out
}

// Tools flattens the tools of the enabled plugins.
func (r *Registry) Tools(names []string) []Tool {
	var out []Tool
	for _, p := range r.Plugins(names) {
		out = append(out, p.Tools...)
	}
	return out
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTool[name]
	return t, ok
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTool))
	for name := range r.byTool {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseArguments decodes the raw argument string of a function call.
// Blank input is an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}
