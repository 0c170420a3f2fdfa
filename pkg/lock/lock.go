// Package lock records what a sync installed, next to the installed
// executables.
package lock

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/binary-install/binsync/pkg/install"
	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is the lock file written into the store directory.
const FileName = ".binsync.lock"

// Lock is the content of a lock file.
type Lock struct {
	Generated time.Time `yaml:"generated"`
	Platform  string    `yaml:"platform"`
	Tools     []Entry   `yaml:"tools"`
}

// Entry describes one installed tool.
type Entry struct {
	Name   string `yaml:"name"`
	Repo   string `yaml:"repo"`
	Tag    string `yaml:"tag"`
	Asset  string `yaml:"asset"`
	URL    string `yaml:"url,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
	Path   string `yaml:"path"`
}

// Path returns the lock file location for a store directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads the lock file of dir. A missing file yields an empty lock.
func Load(dir string) (*Lock, error) {
	data, err := os.ReadFile(Path(dir))
	if os.IsNotExist(err) {
		return &Lock{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock file")
	}
	var l Lock
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrapf(err, "failed to parse lock file %s", Path(dir))
	}
	return &l, nil
}

// Update records installed results. Entries of tools that failed keep
// their previous values; entries of tools no longer configured are
// dropped.
func (l *Lock) Update(results []pipeline.Result, configured []string, platform string, now time.Time) {
	keep := make(map[string]bool, len(configured))
	for _, name := range configured {
		keep[name] = true
	}
	entries := map[string]Entry{}
	for _, e := range l.Tools {
		if keep[e.Name] {
			entries[e.Name] = e
		}
	}
	for _, res := range results {
		if res.Status != pipeline.StatusInstalled {
			continue
		}
		entries[res.Tool.Name] = Entry{
			Name:   res.Tool.Name,
			Repo:   res.Tool.ID(),
			Tag:    res.Tag,
			Asset:  res.Asset,
			URL:    res.URL,
			SHA256: res.SHA256,
			Path:   res.Path,
		}
	}

	l.Tools = l.Tools[:0]
	for _, e := range entries {
		l.Tools = append(l.Tools, e)
	}
	sort.Slice(l.Tools, func(i, j int) bool { return l.Tools[i].Name < l.Tools[j].Name })
	l.Generated = now.UTC().Truncate(time.Second)
	l.Platform = platform
}

// Save writes the lock file of dir atomically.
func (l *Lock) Save(dir string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return errors.Wrap(err, "failed to encode lock file")
	}
	return errors.Wrap(install.WriteFileAtomic(Path(dir), data, 0o644), "failed to write lock file")
}
