// Package config loads the binsync configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/binary-install/binsync/pkg/pipeline"
	"github.com/binary-install/binsync/pkg/release"
	"github.com/binary-install/binsync/pkg/spec"
	"github.com/goccy/go-yaml"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// EnvConfig names an explicit configuration file.
const EnvConfig = "BINSYNC_CONFIG"

// Config is a loaded configuration file.
type Config struct {
	// Path is the file the configuration was read from.
	Path            string
	// StoreDirectory is the unexpanded target directory; empty when the
	// file does not set one.
	StoreDirectory  string
	Concurrency     int
	VerifyChecksums bool
	// LowQuota is the remaining GitHub API quota under which requests
	// are paced until the rate limit window resets.
	LowQuota        int
	Retry           Retry
	Timeouts        Timeouts
	// Tools are sorted by name with defaults applied.
	Tools           []spec.ToolSpec
}

// Retry configures retries of transient failures.
type Retry struct {
	Attempts        int      `toml:"attempts" yaml:"attempts"`
	InitialInterval Duration `toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval" yaml:"max_interval"`
	MaxRetryAfter   Duration `toml:"max_retry_after" yaml:"max_retry_after"`
}

// Timeouts bound each pipeline stage.
type Timeouts struct {
	Metadata Duration `toml:"metadata" yaml:"metadata"`
	Download Duration `toml:"download" yaml:"download"`
	Install  Duration `toml:"install" yaml:"install"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return errors.Errorf("negative duration %s", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// settings are the keys of a configuration file that are not tools.
type settings struct {
	StoreDirectory  *string  `toml:"store_directory" yaml:"store_directory"`
	Concurrency     int      `toml:"concurrency" yaml:"concurrency"`
	VerifyChecksums *bool    `toml:"verify_checksums" yaml:"verify_checksums"`
	LowQuota        *int     `toml:"low_quota" yaml:"low_quota"`
	Retry           Retry    `toml:"retry" yaml:"retry"`
	Timeouts        Timeouts `toml:"timeouts" yaml:"timeouts"`
}

var settingKeys = map[string]bool{
	"store_directory":  true,
	"concurrency":      true,
	"verify_checksums": true,
	"low_quota":        true,
	"retry":            true,
	"timeouts":         true,
	"tools":            true,
}

// toolTable is one tool as written in the file. AssetName is either a
// string or a table keyed by operating system.
type toolTable struct {
	Owner     string      `toml:"owner" yaml:"owner"`
	Repo      string      `toml:"repo" yaml:"repo"`
	ExeName   string      `toml:"exe_name" yaml:"exe_name"`
	Tag       string      `toml:"tag" yaml:"tag"`
	AssetName interface{} `toml:"asset_name" yaml:"asset_name"`
}

// Load reads, defaults and validates the configuration at path. The format
// is chosen by extension: .yml and .yaml are YAML, anything else TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file: %s", path)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		cfg, err = parseYAML(data)
	default:
		cfg, err = parseTOML(data)
	}
	if err != nil {
		var ce *spec.ConfigError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "failed to parse config file: %s", path)
	}
	cfg.Path = path
	return cfg, nil
}

func parseTOML(data []byte) (*Config, error) {
	var s settings
	if _, err := toml.Decode(string(data), &s); err != nil {
		return nil, err
	}

	var raw map[string]toml.Primitive
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}

	var problems []string
	tables := map[string]toolTable{}
	decode := func(name string, prim toml.Primitive) {
		var tt toolTable
		if err := md.PrimitiveDecode(prim, &tt); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			return
		}
		tables[name] = tt
	}
	for key, prim := range raw {
		switch {
		case key == "tools":
			var tools map[string]toml.Primitive
			if err := md.PrimitiveDecode(prim, &tools); err != nil {
				problems = append(problems, fmt.Sprintf("tools: %v", err))
				continue
			}
			for name, p := range tools {
				decode(name, p)
			}
		case settingKeys[key]:
		case md.Type(key) == "Hash":
			decode(key, prim)
		default:
			problems = append(problems, fmt.Sprintf("unknown setting %q", key))
		}
	}
	for _, key := range md.Undecoded() {
		switch {
		case key[0] == "tools" && len(key) == 3, !settingKeys[key[0]] && len(key) == 2:
			problems = append(problems, fmt.Sprintf("unknown field %q", key.String()))
		}
	}
	return build(s, tables, problems)
}

func parseYAML(data []byte) (*Config, error) {
	var s settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var problems []string
	tables := map[string]toolTable{}
	decode := func(name string, v interface{}) {
		var tt toolTable
		if v != nil {
			b, err := yaml.Marshal(v)
			if err == nil {
				err = yaml.UnmarshalWithOptions(b, &tt, yaml.DisallowUnknownField())
			}
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", name, err))
				return
			}
		}
		tables[name] = tt
	}
	for key, v := range raw {
		switch {
		case key == "tools":
			tools, ok := v.(map[string]interface{})
			if !ok && v != nil {
				problems = append(problems, "tools must be a mapping of tool names")
				continue
			}
			for name, t := range tools {
				decode(name, t)
			}
		case settingKeys[key]:
		default:
			if _, ok := v.(map[string]interface{}); ok || v == nil {
				decode(key, v)
				continue
			}
			problems = append(problems, fmt.Sprintf("unknown setting %q", key))
		}
	}
	return build(s, tables, problems)
}

func build(s settings, tables map[string]toolTable, problems []string) (*Config, error) {
	cfg := &Config{
		Concurrency:     s.Concurrency,
		VerifyChecksums: true,
		LowQuota:        release.DefaultLowQuotaThreshold,
		Retry:           s.Retry,
		Timeouts:        s.Timeouts,
	}
	if s.StoreDirectory != nil {
		cfg.StoreDirectory = *s.StoreDirectory
		if strings.TrimSpace(cfg.StoreDirectory) == "" {
			problems = append(problems, "store_directory must not be empty")
		}
	}
	if s.VerifyChecksums != nil {
		cfg.VerifyChecksums = *s.VerifyChecksums
	}
	if s.LowQuota != nil {
		cfg.LowQuota = *s.LowQuota
		if cfg.LowQuota < 0 {
			problems = append(problems, "low_quota must not be negative")
		}
	}
	if s.Concurrency < 0 {
		problems = append(problems, "concurrency must not be negative")
	}
	if s.Retry.Attempts < 0 {
		problems = append(problems, "retry.attempts must not be negative")
	}

	for name, tt := range tables {
		hint, err := assetHint(tt.AssetName)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		tool := spec.ToolSpec{
			Name:      name,
			Owner:     tt.Owner,
			Repo:      tt.Repo,
			Tag:       tt.Tag,
			ExeName:   tt.ExeName,
			AssetHint: hint,
		}
		tool.SetDefaults()
		cfg.Tools = append(cfg.Tools, tool)
	}
	spec.SortByName(cfg.Tools)

	if err := spec.Validate(cfg.Tools); err != nil {
		var ce *spec.ConfigError
		if !errors.As(err, &ce) {
			return nil, err
		}
		problems = append(problems, ce.Problems...)
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &spec.ConfigError{Problems: problems}
	}
	return cfg, nil
}

// assetHint converts asset_name, a string or a per-OS table, into a hint.
func assetHint(v interface{}) (spec.AssetHint, error) {
	switch v := v.(type) {
	case nil:
		return spec.AssetHint{}, nil
	case string:
		return spec.AssetHint{Default: v}, nil
	case map[string]interface{}:
		hint := spec.AssetHint{PerOS: map[string]string{}}
		for key, value := range v {
			s, ok := value.(string)
			if !ok {
				return spec.AssetHint{}, errors.Errorf("asset_name.%s must be a string", key)
			}
			goos, err := spec.NormalizeOS(key)
			if err != nil {
				return spec.AssetHint{}, errors.Wrapf(err, "asset_name.%s", key)
			}
			hint.PerOS[goos] = s
		}
		return hint, nil
	default:
		return spec.AssetHint{}, errors.Errorf("asset_name must be a string or a table of strings per OS, got %T", v)
	}
}

// Tool returns the configured tool with the given name.
func (c *Config) Tool(name string) (spec.ToolSpec, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return spec.ToolSpec{}, false
}

// Select returns the tools with the given names, or every tool when names
// is empty.
func (c *Config) Select(names []string) ([]spec.ToolSpec, error) {
	if len(names) == 0 {
		return c.Tools, nil
	}
	var selected []spec.ToolSpec
	var unknown []string
	for _, name := range names {
		t, ok := c.Tool(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		selected = append(selected, t)
	}
	if len(unknown) > 0 {
		return nil, errors.Errorf("not configured: %s", strings.Join(unknown, ", "))
	}
	return selected, nil
}

// PipelineOptions applies the retry, timeout and verification settings to
// the pipeline options.
func (c *Config) PipelineOptions(opts pipeline.Options) pipeline.Options {
	opts.VerifyChecksums = c.VerifyChecksums
	if c.Retry.Attempts > 0 {
		opts.Retry.Attempts = c.Retry.Attempts
	}
	setDuration(&opts.Retry.InitialInterval, c.Retry.InitialInterval)
	setDuration(&opts.Retry.MaxInterval, c.Retry.MaxInterval)
	setDuration(&opts.Retry.MaxRetryAfter, c.Retry.MaxRetryAfter)
	setDuration(&opts.Timeouts.Metadata, c.Timeouts.Metadata)
	setDuration(&opts.Timeouts.Download, c.Timeouts.Download)
	setDuration(&opts.Timeouts.Install, c.Timeouts.Install)
	return opts
}

func setDuration(dst *time.Duration, d Duration) {
	if d > 0 {
		*dst = time.Duration(d)
	}
}

// Candidates lists, in order, the files Discover looks for in each
// directory.
var Candidates = []string{
	filepath.Join(".config", "binsync.toml"),
	filepath.Join(".config", "binsync.yml"),
	filepath.Join(".config", "binsync.yaml"),
}

// Discover finds the configuration file: $BINSYNC_CONFIG, then the
// candidates in the current directory and its parents, then
// ~/.config/binsync.toml.
func Discover() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to get current directory")
	}
	for {
		for _, c := range Candidates {
			p := filepath.Join(dir, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := homedir.Dir(); err == nil {
		p := filepath.Join(home, Candidates[0])
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no binsync config found")
}

// LoadOrDiscover loads a config from the given path, or discovers one if path is empty
func LoadOrDiscover(configPath string) (*Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = Discover()
		if err != nil {
			return nil, err
		}
	}
	return Load(path)
}
