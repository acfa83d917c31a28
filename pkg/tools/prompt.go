package tools

import "strings"

// SystemPrompt assembles the instructions sent with a session: the override
// (or base prompt), the available tool names, then each plugin's guidance.
func SystemPrompt(base, override string, plugins []Plugin, builtins []string) string {
	prompt := strings.TrimSpace(override)
	if prompt == "" {
		prompt = strings.TrimSpace(base)
	}
	var names []string
	names = append(names, builtins...)
	for _, p := range plugins {
		for _, t := range p.Tools {
			names = append(names, t.Name)
		}
	}
	var b strings.Builder
	b.WriteString(prompt)
	if len(names) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Available tools: ")
		b.WriteString(strings.Join(names, ", "))
	}
	for _, p := range plugins {
		g := strings.TrimSpace(p.Guidance)
		if g == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(g)
	}
	return b.String()
}
