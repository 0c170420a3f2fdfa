package pipeline

import (
	"time"

	"github.com/binary-install/binsync/pkg/archive"
	"github.com/binary-install/binsync/pkg/spec"
)

// Options configure a Pipeline.
type Options struct {
	// Platform selects assets and the executable suffix. Defaults to the
	// host platform.
	Platform spec.Platform
	Retry    RetryPolicy
	Timeouts Timeouts
	// VerifyChecksums checks downloads against published checksum files
	// when the release has one.
	VerifyChecksums bool
	// TempDir holds downloads while they are processed ("" for the system
	// default).
	TempDir      string
	MaxEntrySize int64
	Observer     Observer
	Progress     ProgressFunc
}

// RetryPolicy controls retries of transient network and rate limit
// failures.
type RetryPolicy struct {
	// Attempts is the total number of tries per network operation.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetryAfter is the longest server-requested wait that is honoured;
	// longer waits fail the tool immediately.
	MaxRetryAfter time.Duration
	InstallDelay  time.Duration
}

// Timeouts bound each stage, retries included.
type Timeouts struct {
	Metadata time.Duration
	Download time.Duration
	Install  time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Platform: spec.DetectPlatform(),
		Retry: RetryPolicy{
			Attempts:        3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			MaxRetryAfter:   time.Minute,
			InstallDelay:    500 * time.Millisecond,
		},
		Timeouts: Timeouts{
			Metadata: 30 * time.Second,
			Download: 10 * time.Minute,
			Install:  time.Minute,
		},
		VerifyChecksums: true,
		MaxEntrySize:    archive.DefaultMaxEntrySize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Platform.OS == "" {
		o.Platform.OS = d.Platform.OS
	}
	if o.Platform.Arch == "" {
		o.Platform.Arch = d.Platform.Arch
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = d.Retry.Attempts
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = d.Retry.MaxInterval
	}
	if o.Retry.MaxRetryAfter <= 0 {
		o.Retry.MaxRetryAfter = d.Retry.MaxRetryAfter
	}
	if o.Retry.InstallDelay <= 0 {
		o.Retry.InstallDelay = d.Retry.InstallDelay
	}
	if o.Timeouts.Metadata <= 0 {
		o.Timeouts.Metadata = d.Timeouts.Metadata
	}
	if o.Timeouts.Download <= 0 {
		o.Timeouts.Download = d.Timeouts.Download
	}
	if o.Timeouts.Install <= 0 {
		o.Timeouts.Install = d.Timeouts.Install
	}
	if o.MaxEntrySize <= 0 {
		o.MaxEntrySize = d.MaxEntrySize
	}
	return o
}
