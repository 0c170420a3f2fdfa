// Package verify checks downloaded assets against the checksums published
// alongside them in a release.
package verify

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/binary-install/binsync/pkg/release"
	"github.com/pkg/errors"
)

// MaxChecksumFileSize bounds how much of a checksum asset is read.
const MaxChecksumFileSize = 1 << 20

// ErrNoChecksum means the release publishes no checksum for the asset.
var ErrNoChecksum = errors.New("no checksum published")

// Algorithm is a digest algorithm, inferred from the digest length.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	SHA1   Algorithm = "sha1"
	MD5    Algorithm = "md5"
)

// AlgorithmFor infers the algorithm from a hex digest.
func AlgorithmFor(digest string) (Algorithm, bool) {
	switch len(digest) {
	case 64:
		return SHA256, true
	case 128:
		return SHA512, true
	case 40:
		return SHA1, true
	case 32:
		return MD5, true
	}
	return "", false
}

// NewHash returns a hash for the algorithm.
func (a Algorithm) NewHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", a)
	}
}

// Compute returns the hex digest of r.
func Compute(r io.Reader, algorithm Algorithm) (string, error) {
	h, err := algorithm.NewHash()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "failed to compute checksum")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MismatchError reports a digest that differs from the published one.
type MismatchError struct {
	Asset    string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Asset, e.Expected, e.Actual)
}

// Compare checks a computed digest against the expected one, ignoring case.
func Compare(assetName, expected, actual string) error {
	if !strings.EqualFold(expected, actual) {
		return &MismatchError{Asset: assetName, Expected: strings.ToLower(expected), Actual: strings.ToLower(actual)}
	}
	return nil
}

var sidecarSuffixes = []string{".sha256", ".sha256sum", ".sha512", ".sha512sum"}

var checksumListPattern = regexp.MustCompile(`(?i)(^|[._-])(checksums?|sha256sums?|sha512sums?)(\.txt|\.sha256)?$|^checksums?\.sha256$`)

// FindChecksumAsset returns the asset holding the checksum of assetName: a
// sidecar file named after the asset, else a checksum list.
func FindChecksumAsset(assets []release.Asset, assetName string) (release.Asset, bool) {
	for _, suffix := range sidecarSuffixes {
		for _, a := range assets {
			if strings.EqualFold(a.Name, assetName+suffix) {
				return a, true
			}
		}
	}
	for _, a := range assets {
		if a.Name != assetName && checksumListPattern.MatchString(a.Name) {
			return a, true
		}
	}
	return release.Asset{}, false
}

// bsdLine matches "SHA256 (file) = digest" as written by BSD tools.
var bsdLine = regexp.MustCompile(`^[A-Za-z0-9-]+ \((.+)\) = ([0-9a-fA-F]+)$`)

// Parse parses checksum file content into a map of file name to hex
// digest. It accepts "<digest>  [*]<file>" lines, BSD style lines, and a
// lone digest as published in single-asset sidecar files, which is stored
// under the empty name.
func Parse(content []byte) map[string]string {
	checksums := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := bsdLine.FindStringSubmatch(line); m != nil {
			checksums[m[1]] = m[2]
			continue
		}

		// Format: <hash> [*]<filename>
		parts := strings.Fields(line)
		switch len(parts) {
		case 1:
			checksums[""] = parts[0]
		default:
			filename := strings.TrimPrefix(parts[1], "*")
			checksums[filename] = parts[0]
		}
	}
	return checksums
}

// Lookup finds the digest of assetName in checksum file content.
func Lookup(content []byte, assetName string) (string, error) {
	sums := Parse(content)
	if digest, ok := sums[assetName]; ok {
		return digest, nil
	}
	for name, digest := range sums {
		if name != "" && path.Base(strings.TrimPrefix(name, "./")) == assetName {
			return digest, nil
		}
	}
	if digest, ok := sums[""]; ok && len(sums) == 1 {
		return digest, nil
	}
	return "", errors.Wrapf(ErrNoChecksum, "%s", assetName)
}
