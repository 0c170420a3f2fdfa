// Package asset selects the release asset that fits a platform.
package asset

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/binary-install/binsync/pkg/release"
	"github.com/binary-install/binsync/pkg/spec"
)

// NoCandidateError means no asset fits the platform or hint.
type NoCandidateError struct {
	Platform spec.Platform
	Hint     string
}

func (e *NoCandidateError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("no asset matches hint %q for %s", e.Hint, e.Platform)
	}
	return fmt.Sprintf("no asset matches %s", e.Platform)
}

// AmbiguousError means several assets fit equally well. Names is sorted.
type AmbiguousError struct {
	Names []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%d candidate assets tied: %s", len(e.Names), strings.Join(e.Names, ", "))
}

// Architecture fit, best first. Assets naming another architecture are
// never candidates.
const (
	archRosetta  = 1
	archAgnostic = 2
	archExact    = 3
)

// SelectAsset picks the single asset that fits the platform.
//
// Companion files such as checksums and signatures are never candidates.
// A non-empty hint is matched case-insensitively as a substring and a
// single hit is selected as is. Otherwise every candidate is scored: assets
// must name the platform's OS, and among those an exact architecture beats
// an architecture-neutral name. Hinted assets win a tie at the best score.
// Remaining ties are reported as an *AmbiguousError rather than broken
// arbitrarily.
func SelectAsset(assets []release.Asset, p spec.Platform, hint string) (*release.Asset, error) {
	candidates := make([]release.Asset, 0, len(assets))
	for _, a := range assets {
		if !IsCompanion(a.Name) {
			candidates = append(candidates, a)
		}
	}

	hinted := map[string]bool{}
	if hint != "" {
		h := strings.ToLower(hint)
		var only *release.Asset
		for i, a := range candidates {
			if strings.Contains(strings.ToLower(a.Name), h) {
				hinted[a.Name] = true
				only = &candidates[i]
			}
		}
		if len(hinted) == 1 {
			return only, nil
		}
	}

	best := 0
	var tied []release.Asset
	for _, a := range candidates {
		s := Score(a.Name, p)
		switch {
		case s == 0 || s < best:
		case s > best:
			best = s
			tied = []release.Asset{a}
		default:
			tied = append(tied, a)
		}
	}
	if len(tied) > 1 && len(hinted) > 0 {
		var preferred []release.Asset
		for _, a := range tied {
			if hinted[a.Name] {
				preferred = append(preferred, a)
			}
		}
		if len(preferred) > 0 {
			tied = preferred
		}
	}

	switch len(tied) {
	case 0:
		return nil, &NoCandidateError{Platform: p, Hint: hint}
	case 1:
		return &tied[0], nil
	}
	names := make([]string, len(tied))
	for i, a := range tied {
		names[i] = a.Name
	}
	sort.Strings(names)
	return nil, &AmbiguousError{Names: names}
}

// Score rates how well an asset name fits the platform. Zero means the
// asset cannot be used.
func Score(name string, p spec.Platform) int {
	n := normalize(name)
	if !matchesOS(n, p.OS) {
		return 0
	}
	return archFit(n, p)
}

func normalize(name string) string {
	return strings.NewReplacer("x86_64", "amd64", "x86-64", "amd64").Replace(strings.ToLower(name))
}

func matchesOS(n, goos string) bool {
	re, ok := osPatterns[goos]
	if !ok {
		re = token(`[^a-z]`, regexp.QuoteMeta(goos))
	}
	if re.MatchString(n) {
		return true
	}
	return goos == "windows" && strings.HasSuffix(n, ".exe")
}

func archFit(n string, p spec.Platform) int {
	named := archesIn(n)
	switch {
	case named[p.Arch]:
		return archExact
	case len(named) == 0:
		return archAgnostic
	case p.OS == "darwin" && named["universal"]:
		return archAgnostic
	case p.OS == "darwin" && p.Arch == "arm64" && named["amd64"]:
		return archRosetta
	}
	return 0
}

// archesIn returns the architectures named in n, plus "universal" for
// multi-architecture macOS builds.
func archesIn(n string) map[string]bool {
	found := map[string]bool{}
	for arch, re := range archPatterns {
		if re.MatchString(n) {
			found[arch] = true
		}
	}
	if len(found) == 0 {
		for arch, re := range impliedArchPatterns {
			if re.MatchString(n) {
				found[arch] = true
			}
		}
	}
	return found
}

// token builds a pattern matching any of alts as a whole word, where a
// word boundary is any character of the boundary class.
func token(boundary string, alts ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|` + boundary + `)(?:` + strings.Join(alts, "|") + `)(?:$|` + boundary + `)`)
}

// OS names are bounded by non-letters so "linux64" and "win32" still name
// their OS.
var osPatterns = map[string]*regexp.Regexp{
	"linux":   token(`[^a-z]`, "linux"),
	"darwin":  token(`[^a-z]`, "darwin", "apple", "macos", "osx", "mac"),
	"windows": token(`[^a-z]`, "windows", "win", "mingw", "msvc"),
	"freebsd": token(`[^a-z]`, "freebsd"),
	"netbsd":  token(`[^a-z]`, "netbsd"),
	"openbsd": token(`[^a-z]`, "openbsd"),
}

// Architecture names are bounded by non-alphanumerics so "arm" does not
// match inside "arm64". Names are normalized first, so x86_64 reads as
// amd64 and cannot be mistaken for x86.
var archPatterns = map[string]*regexp.Regexp{
	"amd64":     token(`[^a-z0-9]`, "amd64", "x64", "64bit", "64-bit"),
	"arm64":     token(`[^a-z0-9]`, "arm64", "aarch64", "armv8"),
	"386":       token(`[^a-z0-9]`, "386", "i386", "i586", "i686", "x86", "ia32", "32bit", "32-bit"),
	"arm":       token(`[^a-z0-9]`, "arm", "armv5", "armv6", "armv6l", "armv7", "armv7l", "armhf", "armel", "arm32"),
	"ppc64le":   token(`[^a-z0-9]`, "ppc64le", "ppc64el", "powerpc64le"),
	"ppc64":     token(`[^a-z0-9]`, "ppc64", "powerpc64"),
	"s390x":     token(`[^a-z0-9]`, "s390x"),
	"riscv64":   token(`[^a-z0-9]`, "riscv64", "riscv64gc"),
	"mips64le":  token(`[^a-z0-9]`, "mips64le", "mips64el"),
	"mips64":    token(`[^a-z0-9]`, "mips64"),
	"mipsle":    token(`[^a-z0-9]`, "mipsle", "mipsel"),
	"mips":      token(`[^a-z0-9]`, "mips"),
	"loong64":   token(`[^a-z0-9]`, "loong64", "loongarch64"),
	"universal": token(`[^a-z0-9]`, "universal", "universal2"),
}

// impliedArchPatterns apply only when no architecture is named outright,
// e.g. "jq-linux64" or "tool-win32.zip".
var impliedArchPatterns = map[string]*regexp.Regexp{
	"amd64": token(`[^a-z0-9]`, "linux64", "win64", "windows64"),
	"386":   token(`[^a-z0-9]`, "linux32", "win32", "windows32"),
}

var companionSuffixes = []string{
	".sha256", ".sha256sum", ".sha512", ".sha512sum", ".sha1", ".md5", ".b3",
	".sig", ".asc", ".gpg", ".minisig", ".pem", ".crt", ".cert", ".pub", ".bundle",
	".sbom", ".spdx", ".json", ".intoto.jsonl", ".txt", ".yml", ".yaml", ".md",
	".deb", ".rpm", ".apk", ".msi", ".pkg", ".dmg", ".snap", ".flatpak", ".nupkg", ".whl",
}

var sourcePattern = token(`[^a-z]`, "src", "source", "sources")

// IsCompanion reports whether an asset is a checksum, signature,
// certificate, SBOM, source archive or OS package rather than an
// installable binary.
func IsCompanion(name string) bool {
	n := strings.ToLower(name)
	for _, s := range companionSuffixes {
		if strings.HasSuffix(n, s) {
			return true
		}
	}
	if strings.Contains(n, "checksums") || strings.HasSuffix(n, "sums") {
		return true
	}
	return sourcePattern.MatchString(n)
}
