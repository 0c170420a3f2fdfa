package spec

import (
	"fmt"
	"sort"
	"strings"
)

// ToolSpec describes one tool to install from a GitHub release.
//
// A ToolSpec is identified by its Owner/Repo pair. Name is the key the tool
// was configured under and is what the sync report shows.
type ToolSpec struct {
	// Name is the configuration key, e.g. "ripgrep".
	Name string
	// Owner is the GitHub repository owner.
	Owner string
	// Repo is the GitHub repository name.
	Repo string
	// Tag pins a release tag. Empty means the latest release.
	Tag string
	// ExeName is the executable name inside the asset and the name it is
	// installed under. Defaults to Repo.
	ExeName string
	// AssetHint narrows asset selection. See AssetHint.
	AssetHint AssetHint
}

// AssetHint is a user supplied substring that narrows asset selection.
//
// Hints may be given once for every platform or per operating system, the
// way the tool-sync configuration format allows:
//
//	asset_name = "unknown-linux-musl"
//	asset_name.linux = "unknown-linux-musl"
//	asset_name.macos = "apple-darwin"
type AssetHint struct {
	Default string
	PerOS   map[string]string
}

// For returns the hint that applies to the given GOOS value.
func (h AssetHint) For(goos string) string {
	if v, ok := h.PerOS[goos]; ok && v != "" {
		return v
	}
	if goos == "darwin" {
		if v, ok := h.PerOS["macos"]; ok && v != "" {
			return v
		}
	}
	return h.Default
}

// IsZero reports whether no hint is configured at all.
func (h AssetHint) IsZero() bool {
	if h.Default != "" {
		return false
	}
	for _, v := range h.PerOS {
		if v != "" {
			return false
		}
	}
	return true
}

// ID returns the "owner/repo" identity of the tool.
func (t ToolSpec) ID() string {
	return t.Owner + "/" + t.Repo
}

// Executable returns the executable name, defaulting to the repository name.
func (t ToolSpec) Executable() string {
	if t.ExeName != "" {
		return t.ExeName
	}
	return t.Repo
}

// Version returns the pinned tag or "latest".
func (t ToolSpec) Version() string {
	if t.Tag == "" {
		return "latest"
	}
	return t.Tag
}

func (t ToolSpec) String() string {
	return fmt.Sprintf("%s (%s@%s)", t.Name, t.ID(), t.Version())
}

// SetDefaults fills fields a configuration may leave out. Tools that only
// name a known tool are completed from the built-in database.
func (t *ToolSpec) SetDefaults() {
	if known, ok := LookupKnown(t.Name); ok {
		if t.Owner == "" && t.Repo == "" {
			t.Owner = known.Owner
			t.Repo = known.Repo
			if t.AssetHint.IsZero() {
				t.AssetHint = known.AssetHint
			}
		}
		if t.ExeName == "" && t.ID() == known.ID() {
			t.ExeName = known.ExeName
		}
	}
	if t.Repo == "" && t.Owner != "" {
		t.Repo = t.Name
	}
	if t.ExeName == "" {
		t.ExeName = t.Repo
	}
	t.Owner = strings.TrimSpace(t.Owner)
	t.Repo = strings.TrimSpace(t.Repo)
	t.Tag = strings.TrimSpace(t.Tag)
}

// SortByName sorts tools by configured name.
func SortByName(tools []ToolSpec) {
	sort.SliceStable(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
}
