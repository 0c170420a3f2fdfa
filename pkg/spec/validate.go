package spec

import (
	"fmt"
	"strings"
	"unicode"
)

// ConfigError reports every problem found while validating a set of
// ToolSpecs. It is returned before any tool is synced.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks a set of tools for missing fields, unsafe names and
// duplicate identities. Defaults must already be applied.
func Validate(tools []ToolSpec) error {
	var problems []string
	ids := make(map[string]string, len(tools))
	exes := make(map[string]string, len(tools))

	for _, t := range tools {
		if t.Owner == "" || t.Repo == "" {
			problems = append(problems, fmt.Sprintf("%s: owner and repo are required for tools that are not built in", t.Name))
			continue
		}
		checks := []struct{ field, value string }{
			{"owner", t.Owner},
			{"repo", t.Repo},
			{"exe_name", t.Executable()},
		}
		for _, c := range checks {
			if err := SafeName(c.value, c.field); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", t.Name, err))
			}
		}

		id := strings.ToLower(t.ID())
		if other, ok := ids[id]; ok {
			problems = append(problems, fmt.Sprintf("%s: repository %s is already configured by %s", t.Name, t.ID(), other))
		} else {
			ids[id] = t.Name
		}

		exe := strings.ToLower(t.Executable())
		if other, ok := exes[exe]; ok {
			problems = append(problems, fmt.Sprintf("%s: executable %q is already installed by %s", t.Name, t.Executable(), other))
		} else {
			exes[exe] = t.Name
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// SafeName validates that a value can be used as a single path component:
// an installed file name or a repository path segment.
func SafeName(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s is empty", fieldName)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("%s must not be %q", fieldName, value)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%s contains a path separator: %s", fieldName, value)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%s contains '..': %s", fieldName, value)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control character (code %d)", fieldName, r)
		}
	}
	return nil
}
