package options

import (
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/table"
	"github.com/go-logr/logr"
)

// ProgressCallback defines the signature for progress update functions.
// Parameters:
// - stage: A short name for the pipeline stage reporting progress.
// - bytesWritten: The number of bytes written to the device so far.
// - totalBytes: The total number of bytes that will be written.
type ProgressCallback func(stage string, bytesWritten int64, totalBytes int64)

// Options represents the options for a burn run.
type Options struct {
	FastMode           bool
	DryRun             bool
	Force              bool
	TableType          table.Type
	Persistence        bool
	PersistenceSizeMiB uint64
	PersistenceFS      format.FSType
	DataLabel          string
	Logger             logr.Logger
	ProgressCallback   ProgressCallback
}

// Option represents a function that modifies the Options.
type Option func(*Options)

// WithFastMode enables the kernel zero-copy transfer path. The streamer
// falls back to the raw path when the kernel rejects it.
func WithFastMode(enabled bool) Option {
	return func(o *Options) {
		o.FastMode = enabled
	}
}

// WithDryRun reports the full plan without touching the device.
func WithDryRun(enabled bool) Option {
	return func(o *Options) {
		o.DryRun = enabled
	}
}

// WithForce skips interactive confirmation in the CLI collaborator. The
// engine itself never prompts; it only carries the flag in the run
// configuration.
func WithForce(enabled bool) Option {
	return func(o *Options) {
		o.Force = enabled
	}
}

// WithTableType selects MBR or GPT. A value supplied here is authoritative;
// interactive prompting is the caller's concern and never happens inside
// the engine.
func WithTableType(t table.Type) Option {
	return func(o *Options) {
		o.TableType = t
	}
}

// WithPersistence requests a persistence partition of the given size,
// formatted with the given filesystem. Sizes below the 512 MiB minimum are
// raised with a warning during planning.
func WithPersistence(sizeMiB uint64, fs format.FSType) Option {
	return func(o *Options) {
		o.Persistence = true
		o.PersistenceSizeMiB = sizeMiB
		o.PersistenceFS = fs
	}
}

// WithDataLabel overrides the label applied to the main data partition.
func WithDataLabel(label string) Option {
	return func(o *Options) {
		o.DataLabel = label
	}
}

// WithLogger sets the Logger for the burn run.
func WithLogger(logger logr.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithProgress sets a progress callback invoked from the byte streamer. It
// is called on the streaming goroutine and must not re-enter the engine.
func WithProgress(callback ProgressCallback) Option {
	return func(o *Options) {
		o.ProgressCallback = callback
	}
}
