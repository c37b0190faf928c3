package burner

import (
	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/logging"
)

const mib = 1024 * 1024

// ceilMiB rounds a byte count up to whole MiB.
func ceilMiB(bytes uint64) uint64 {
	return (bytes + mib - 1) / mib
}

// CheckSpace verifies that the device can hold the image plus the requested
// persistence partition, charging the fixed image headroom and table
// overhead. On failure the returned error carries the full structured
// breakdown including the largest persistence size that would fit.
func CheckSpace(devicePath string, deviceBytes, imageBytes, persistenceMiB uint64) error {
	deviceMiB := deviceBytes / mib
	imageMiB := ceilMiB(imageBytes)

	requiredMiB := imageMiB + consts.IMAGE_HEADROOM_MIB + persistenceMiB + consts.OVERHEAD_RESERVE_MIB
	if requiredMiB <= deviceMiB {
		return nil
	}

	maxPersistence := int64(deviceMiB) - int64(imageMiB) -
		int64(consts.IMAGE_HEADROOM_MIB) - int64(consts.OVERHEAD_RESERVE_MIB)

	return errdefs.InsufficientSpace(devicePath, errdefs.SpaceDetails{
		DeviceMiB:         deviceMiB,
		ImageMiB:          imageMiB,
		RequestedMiB:      persistenceMiB,
		RequiredMiB:       requiredMiB,
		ShortageMiB:       requiredMiB - deviceMiB,
		MaxPersistenceMiB: maxPersistence,
	})
}

// NormalizePersistence enforces the persistence minimum: an undersized
// request is raised to 512 MiB with a warning rather than rejected.
func NormalizePersistence(sizeMiB uint64, log *logging.Logger) uint64 {
	if sizeMiB >= consts.PERSISTENCE_MIN_MIB {
		return sizeMiB
	}
	log.Info("persistence size below minimum, raising",
		"requested", sizeMiB, "minimum", consts.PERSISTENCE_MIN_MIB)
	return consts.PERSISTENCE_MIN_MIB
}

// OptimalPersistenceMiB suggests the largest sensible persistence size for
// the device: the space left after the image and overhead, capped so a giant
// stick does not spend everything on one overlay. Zero means the device
// cannot host a persistence partition at all.
func OptimalPersistenceMiB(deviceBytes, imageBytes uint64) uint64 {
	deviceMiB := deviceBytes / mib
	imageMiB := ceilMiB(imageBytes)
	need := imageMiB + consts.IMAGE_HEADROOM_MIB + consts.OVERHEAD_RESERVE_MIB

	if deviceMiB <= need {
		return 0
	}
	available := deviceMiB - need
	if available < consts.PERSISTENCE_MIN_MIB {
		return 0
	}
	if available > consts.PERSISTENCE_AUTO_MAX_MIB {
		return consts.PERSISTENCE_AUTO_MAX_MIB
	}
	return available
}
