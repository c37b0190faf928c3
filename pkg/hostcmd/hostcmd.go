package hostcmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bgrewell/burn-kit/pkg/logging"
)

// Runner executes the narrow set of host utilities the engine depends on.
// Each capability has a fixed command line and a simple exit-status contract:
// zero means the observable state changed as requested. Anything the engine
// can do in-process stays in-process; these are the exceptions.
type Runner struct {
	log *logging.Logger
}

// NewRunner creates a Runner logging through log.
func NewRunner(log *logging.Logger) *Runner {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Runner{log: log}
}

func (r *Runner) run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		r.log.Debug("host command failed", "cmd", name, "args", strings.Join(args, " "), "output", trimmed)
		return fmt.Errorf("%s: %w (%s)", name, err, trimmed)
	}
	return nil
}

// Unmount removes one mount. With lazy set, the detach is deferred until the
// mount is no longer busy.
func (r *Runner) Unmount(target string, lazy bool) error {
	if lazy {
		return r.run("umount", "-l", target)
	}
	return r.run("umount", target)
}

// RescanPartitions asks the host to refresh the kernel's view of the
// device's partitions. Best effort; the engine separately polls for the
// partition node to appear.
func (r *Runner) RescanPartitions(device string) error {
	return r.run("partprobe", device)
}

// MountISO loop-mounts an ISO 9660 image read-only at mountPoint. The caller
// owns the mount point and must UnmountPoint it.
func (r *Runner) MountISO(isoPath, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	return r.run("mount", "-o", "loop,ro", "-t", "iso9660", isoPath, mountPoint)
}

// MountPartition mounts a formatted partition read-write at mountPoint. The
// caller owns the mount point and must UnmountPoint it.
func (r *Runner) MountPartition(partition, fstype, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return err
	}
	if fstype == "" {
		return r.run("mount", partition, mountPoint)
	}
	return r.run("mount", "-t", fstype, partition, mountPoint)
}

// UnmountPoint unmounts mountPoint and removes the directory.
func (r *Runner) UnmountPoint(mountPoint string) error {
	err := r.run("umount", mountPoint)
	if rmErr := os.Remove(mountPoint); rmErr != nil && err == nil {
		r.log.Debug("could not remove mount point", "path", mountPoint, "error", rmErr)
	}
	return err
}

// CopyTree copies the contents of src into dst preserving attributes.
func (r *Runner) CopyTree(src, dst string) error {
	return r.run("cp", "-a", src+"/.", dst+"/")
}
