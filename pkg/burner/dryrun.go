package burner

import (
	"github.com/bgrewell/burn-kit/pkg/image"
	"github.com/dustin/go-humanize"
)

// reportDryRun logs the full plan without touching the device.
func (b *Burner) reportDryRun(cfg *Config, deviceBytes, persistMiB uint64) {
	b.log.Info("dry run, no changes will be made")

	b.log.Info("input",
		"image", cfg.ImagePath,
		"imageSize", humanize.IBytes(cfg.Structure.SizeBytes),
		"imageType", cfg.Structure.Type,
		"boot", cfg.Structure.BootTypeDescription(),
		"device", cfg.DevicePath,
		"deviceSize", humanize.IBytes(deviceBytes))

	b.log.Info("operation",
		"strategy", cfg.Strategy,
		"table", cfg.TableType,
		"fast", cfg.FastMode,
		"requiredPartitions", image.RequiredPartitions(cfg.Structure, cfg.Persistence))

	if cfg.Persistence {
		b.log.Info("persistence",
			"sizeMiB", persistMiB,
			"filesystem", cfg.PersistenceFS,
			"label", cfg.PersistenceLabel())
	}

	used := ceilMiB(cfg.Structure.SizeBytes) + persistMiB + 100
	deviceMiB := deviceBytes / mib
	b.log.Info("space analysis",
		"usedMiB", used,
		"deviceMiB", deviceMiB,
		"remainingMiB", int64(deviceMiB)-int64(used))

	b.log.Info("all checks passed, rerun without dry-run to burn")
}
