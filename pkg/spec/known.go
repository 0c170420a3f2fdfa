package spec

import "sort"

// knownTools is the built-in database of tools that can be configured by
// name alone.
var knownTools = map[string]ToolSpec{
	"bat":        {Owner: "sharkdp", Repo: "bat", ExeName: "bat", AssetHint: rustTarget("musl")},
	"difftastic": {Owner: "Wilfred", Repo: "difftastic", ExeName: "difft", AssetHint: rustTarget("gnu")},
	"exa": {
		Owner:     "ogham",
		Repo:      "exa",
		ExeName:   "exa",
		AssetHint: AssetHint{PerOS: map[string]string{"linux": "musl"}},
	},
	"fd":  {Owner: "sharkdp", Repo: "fd", ExeName: "fd", AssetHint: rustTarget("musl")},
	"fzf": {Owner: "junegunn", Repo: "fzf", ExeName: "fzf"},
	"gh":  {Owner: "cli", Repo: "cli", ExeName: "gh"},
	"jq": {
		Owner:   "jqlang",
		Repo:    "jq",
		ExeName: "jq",
		AssetHint: AssetHint{PerOS: map[string]string{
			"linux":   "jq-linux-",
			"darwin":  "jq-macos-",
			"windows": "jq-windows-",
		}},
	},
	"ripgrep":   {Owner: "BurntSushi", Repo: "ripgrep", ExeName: "rg", AssetHint: rustTarget("musl")},
	"tool-sync": {Owner: "chshersh", Repo: "tool-sync", ExeName: "tool", AssetHint: rustTarget("gnu")},
}

// rustTarget returns hints for projects publishing one asset per Rust
// target triple, picking the given Linux libc.
func rustTarget(libc string) AssetHint {
	return AssetHint{PerOS: map[string]string{
		"linux":   "unknown-linux-" + libc,
		"darwin":  "apple-darwin",
		"windows": "pc-windows-msvc",
	}}
}

// LookupKnown returns the built-in definition of a tool.
func LookupKnown(name string) (ToolSpec, bool) {
	t, ok := knownTools[name]
	if !ok {
		return ToolSpec{}, false
	}
	t.Name = name
	return t, true
}

// KnownTools returns every built-in tool definition, sorted by name.
func KnownTools() []ToolSpec {
	tools := make([]ToolSpec, 0, len(knownTools))
	for name := range knownTools {
		t, _ := LookupKnown(name)
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}
