package burner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/format"
)

// createFilePersistence builds the fallback persistence overlay: a sparse
// casper-rw file inside the already-mounted data partition, formatted as
// ext4 so the live system can mount it as its writable layer.
func (b *Burner) createFilePersistence(mountDir string, sizeMiB uint64) error {
	path := filepath.Join(mountDir, consts.PERSISTENCE_FALLBACK_FILE)
	b.log.Info("creating file-based persistence", "path", path, "sizeMiB", sizeMiB)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, path, "cannot create persistence file", err)
	}
	if err := f.Truncate(int64(sizeMiB) * mib); err != nil {
		f.Close()
		return errdefs.Wrap(errdefs.KindWriteFailed, path, "cannot size persistence file", err)
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, path, "cannot close persistence file", err)
	}

	return b.formatter.Create(format.FSExt4, path, consts.PERSISTENCE_EXT4_LABEL)
}

// filePersistenceOnPartition mounts the given partition, creates the
// file-based persistence overlay inside it and unmounts. Used when the
// data partition is not already mounted, as in the hybrid-preserve path.
func (b *Burner) filePersistenceOnPartition(partition string, sizeMiB uint64) error {
	mountPoint := filepath.Join(os.TempDir(), fmt.Sprintf("burnkit-persist-%d", os.Getpid()))
	if err := b.host.MountPartition(partition, "", mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, partition, "cannot mount partition for fallback persistence", err)
	}
	defer func() {
		if err := b.host.UnmountPoint(mountPoint); err != nil {
			b.log.Debug("unmount of fallback mount failed", "path", mountPoint, "error", err)
		}
	}()

	return b.createFilePersistence(mountPoint, sizeMiB)
}
