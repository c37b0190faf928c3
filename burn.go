package burn

import (
	"github.com/bgrewell/burn-kit/pkg/burner"
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/image"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"github.com/bgrewell/burn-kit/pkg/options"
	"github.com/go-logr/logr"
)

// Analyze inspects the image at location and returns its structure without
// touching it.
func Analyze(location string, opts ...options.Option) (*image.Structure, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	analyzer := image.NewAnalyzer(logging.NewLogger(o.Logger))
	return analyzer.Analyze(location)
}

// Burn writes the image at imageLocation onto the block device at
// deviceLocation, choosing the construction strategy from the image's
// structure. It is destructive once writing starts: the device's previous
// contents are gone whether the run then succeeds or fails. A dry run, and
// the checks that fail before writing (partition path, device too small,
// insufficient space), leave the device untouched.
func Burn(imageLocation, deviceLocation string, opts ...options.Option) error {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}

	log := logging.NewLogger(o.Logger)
	analyzer := image.NewAnalyzer(log)
	structure, err := analyzer.Analyze(imageLocation)
	if err != nil {
		return err
	}

	cfg := &burner.Config{
		ImagePath:          imageLocation,
		DevicePath:         deviceLocation,
		Strategy:           image.RecommendStrategy(structure, o.Persistence),
		Structure:          structure,
		FastMode:           o.FastMode,
		DryRun:             o.DryRun,
		Force:              o.Force,
		Persistence:        o.Persistence,
		PersistenceSizeMiB: o.PersistenceSizeMiB,
		PersistenceFS:      o.PersistenceFS,
		TableType:          o.TableType,
		DataLabel:          o.DataLabel,
	}

	return burner.New(o.Logger, o.ProgressCallback).Run(cfg)
}

func defaults() options.Options {
	return options.Options{
		PersistenceFS: format.FSExt4,
		Logger:        logr.Discard(),
	}
}
