package asset

import (
	"strings"

	"github.com/binary-install/binsync/pkg/spec"
	"github.com/buildkite/interpolate"
	"github.com/pkg/errors"
)

// ExpandHint substitutes ${NAME}, ${TAG}, ${VERSION}, ${OS}, ${ARCH} and
// ${EXE} in an asset hint. VERSION is the tag without a leading "v".
func ExpandHint(hint string, tool spec.ToolSpec, tag string, p spec.Platform) (string, error) {
	if !strings.Contains(hint, "$") {
		return hint, nil
	}
	env := interpolate.NewMapEnv(map[string]string{
		"NAME":    tool.Name,
		"TAG":     tag,
		"VERSION": strings.TrimPrefix(tag, "v"),
		"OS":      p.OS,
		"ARCH":    p.Arch,
		"EXE":     p.ExeSuffix(),
	})
	expanded, err := interpolate.Interpolate(env, hint)
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand asset hint %q", hint)
	}
	return expanded, nil
}
