package spec

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform is the operating system and CPU architecture binaries are
// selected for. Values use the GOOS/GOARCH vocabulary.
type Platform struct {
	OS   string
	Arch string
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// ExeSuffix returns the executable file suffix for the platform.
func (p Platform) ExeSuffix() string {
	if p.OS == "windows" {
		return ".exe"
	}
	return ""
}

// DetectPlatform returns the platform of the running process.
func DetectPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// ParsePlatform builds a Platform from user input, accepting common aliases
// such as "macos" or "x86_64". Empty values fall back to the running
// platform.
func ParsePlatform(osName, arch string) (Platform, error) {
	p := DetectPlatform()
	if osName != "" {
		v, err := NormalizeOS(osName)
		if err != nil {
			return Platform{}, err
		}
		p.OS = v
	}
	if arch != "" {
		v, err := NormalizeArch(arch)
		if err != nil {
			return Platform{}, err
		}
		p.Arch = v
	}
	return p, nil
}

// NormalizeOS maps an operating system name to its GOOS value.
func NormalizeOS(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "linux":
		return "linux", nil
	case "darwin", "macos", "osx", "mac":
		return "darwin", nil
	case "windows", "win":
		return "windows", nil
	case "freebsd":
		return "freebsd", nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", name)
	}
}

// NormalizeArch maps an architecture name to its GOARCH value.
func NormalizeArch(arch string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "amd64", "x86_64", "x64":
		return "amd64", nil
	case "arm64", "aarch64":
		return "arm64", nil
	case "386", "i386", "i686", "x86":
		return "386", nil
	case "arm", "armv7", "armv7l", "armhf":
		return "arm", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", arch)
	}
}
