package tools

// Builtin search tools are executed by the realtime provider itself.
const (
	BuiltinWebSearch = "web_search"
	BuiltinXSearch   = "x_search"
)

func IsBuiltin(name string) bool {
	return name == BuiltinWebSearch || name == BuiltinXSearch
}

// BuiltinDeclaration is the upstream tool entry for a builtin.
func BuiltinDeclaration(name string) map[string]any {
	return map[string]any{"type": name}
}

// FunctionDeclaration is the upstream tool entry for a local tool.
func FunctionDeclaration(t Tool) map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        t.Name,
		"description": t.Description,
		"parameters":  t.Schema,
	}
}
