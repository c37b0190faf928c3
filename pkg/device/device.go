package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unsafe"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/hostcmd"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"golang.org/x/sys/unix"
)

// PathKind is the result of classifying a target path.
type PathKind int

const (
	// WholeDisk is a path naming an entire disk, e.g. /dev/sdb or /dev/nvme0n1.
	WholeDisk PathKind = iota
	// IsPartition is a path naming a partition of a disk, e.g. /dev/sdb3.
	IsPartition
	// NotBlock is a path that does not name a block device node.
	NotBlock
)

// Device families whose whole-disk names legitimately end in a digit; their
// partitions carry a pN suffix instead.
var pSuffixFamilies = []struct {
	marker  string
	wholeRe *regexp.Regexp
	partRe  *regexp.Regexp
}{
	{"nvme", regexp.MustCompile(`nvme\d+n\d+$`), regexp.MustCompile(`(nvme\d+n\d+)p\d+$`)},
	{"mmcblk", regexp.MustCompile(`mmcblk\d+$`), regexp.MustCompile(`(mmcblk\d+)p\d+$`)},
	{"loop", regexp.MustCompile(`loop\d+$`), regexp.MustCompile(`(loop\d+)p\d+$`)},
}

var trailDigitRe = regexp.MustCompile(`\d+$`)

// ClassifyPath decides whether path names a whole disk or a partition, from
// the path alone. The returned base is the suggested whole-disk path when the
// classification is IsPartition.
func ClassifyPath(path string) (PathKind, string) {
	if path == "" {
		return NotBlock, ""
	}
	last := path[len(path)-1]
	if last < '0' || last > '9' {
		return WholeDisk, ""
	}

	for _, fam := range pSuffixFamilies {
		if !strings.Contains(path, fam.marker) {
			continue
		}
		if m := fam.partRe.FindStringSubmatch(path); m != nil {
			return IsPartition, path[:len(path)-len(m[0])] + m[1]
		}
		if fam.wholeRe.MatchString(path) {
			return WholeDisk, ""
		}
	}

	// Plain sdXN form: strip the trailing digits to suggest the disk.
	return IsPartition, trailDigitRe.ReplaceAllString(path, "")
}

// PartitionPath returns the path of partition index on base, following the
// kernel naming convention: nvme, mmcblk and loop devices carry a p prefix
// before the partition number.
func PartitionPath(base string, index int) string {
	for _, fam := range pSuffixFamilies {
		if strings.Contains(base, fam.marker) {
			return fmt.Sprintf("%sp%d", base, index)
		}
	}
	return fmt.Sprintf("%s%d", base, index)
}

// Device provides access to one block device for the duration of a burn run.
type Device struct {
	Path string

	log  *logging.Logger
	host *hostcmd.Runner
}

// New wraps path for device operations. No file descriptor is held between
// calls; each destructive operation opens, acts and closes.
func New(path string, log *logging.Logger, host *hostcmd.Runner) *Device {
	if log == nil {
		log = logging.DefaultLogger()
	}
	if host == nil {
		host = hostcmd.NewRunner(log)
	}
	return &Device{Path: path, log: log, host: host}
}

// Validate checks that the device path names a writable whole-disk block
// device. It fails with KindIsPartition (carrying the suggested base) when
// the path names a partition and KindInvalidDevice when it is not a block
// device node at all.
func (d *Device) Validate() error {
	kind, base := ClassifyPath(d.Path)
	if kind == IsPartition {
		return errdefs.IsPartition(d.Path, base)
	}

	var st unix.Stat_t
	if err := unix.Stat(d.Path, &st); err != nil {
		if os.IsPermission(err) {
			return errdefs.Wrap(errdefs.KindPermission, d.Path, "cannot stat device", err)
		}
		return errdefs.Wrap(errdefs.KindInvalidDevice, d.Path, "cannot stat device", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		// Regular files are tolerated so loop-file images can be targeted in
		// development; anything else is rejected.
		if st.Mode&unix.S_IFMT == unix.S_IFREG {
			d.log.Debug("target is a regular file, treating as disk image", "path", d.Path)
			return nil
		}
		return errdefs.New(errdefs.KindInvalidDevice, d.Path, "not a block device")
	}
	return nil
}

// SizeBytes returns the device capacity. Block devices are sized with the
// BLKGETSIZE64 ioctl; regular files fall back to their stat size.
func (d *Device) SizeBytes() (uint64, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return 0, openErr(d.Path, err)
	}
	defer f.Close()
	return sizeOf(f)
}

func sizeOf(f *os.File) (uint64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindReadFailed, f.Name(), "stat failed", err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return uint64(st.Size()), nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errdefs.Wrap(errdefs.KindReadFailed, f.Name(), "BLKGETSIZE64 failed", errno)
	}
	return size, nil
}

// SizeBytesOf is a convenience for sizing a path without constructing a Device.
func SizeBytesOf(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, openErr(path, err)
	}
	defer f.Close()
	return sizeOf(f)
}

// IsAnyPartitionMounted reports whether the system mount table references the
// device or any of its partitions. The mount table may change underneath the
// run; callers re-query before each destructive step.
func (d *Device) IsAnyPartitionMounted() (bool, error) {
	return anyMountedUnder(d.Path, "/proc/mounts")
}

func anyMountedUnder(devPath, mountTable string) (bool, error) {
	f, err := os.Open(mountTable)
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindReadFailed, mountTable, "cannot read mount table", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], devPath) {
			return true, nil
		}
	}
	return false, sc.Err()
}

// UnmountAll unmounts every mounted partition of the device when the mount
// table references it: first a normal unmount of every node matching the
// device path followed by anything (the disk and its partitions), then a
// lazy unmount of the same nodes if the mount table still references the
// device. Success means the mount table no longer references the device
// after a one-second settle.
func (d *Device) UnmountAll() error {
	mounted, err := d.IsAnyPartitionMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}

	d.log.Info("unmounting partitions", "device", d.Path)
	for _, p := range d.mountedPaths() {
		_ = d.host.Unmount(p, false)
	}
	time.Sleep(1 * time.Second)

	mounted, err = d.IsAnyPartitionMounted()
	if err != nil {
		return err
	}
	if mounted {
		d.log.Info("retrying with lazy unmount", "device", d.Path)
		for _, p := range d.mountedPaths() {
			_ = d.host.Unmount(p, true)
		}
		time.Sleep(1 * time.Second)
	}

	mounted, err = d.IsAnyPartitionMounted()
	if err != nil {
		return err
	}
	if mounted {
		return errdefs.New(errdefs.KindInvalidDevice, d.Path, "device still mounted after unmount attempts")
	}
	return nil
}

func (d *Device) mountedPaths() []string {
	matches, err := filepath.Glob(d.Path + "*")
	if err != nil || len(matches) == 0 {
		return []string{d.Path}
	}
	return matches
}

// Wipe zeroes the first and last windows of the device in 1 MiB chunks and
// triggers a partition-table re-read. A failure to wipe the tail is logged
// and ignored; not every device supports seeking to its end.
func (d *Device) Wipe() error {
	f, err := os.OpenFile(d.Path, os.O_WRONLY, 0)
	if err != nil {
		return openErr(d.Path, err)
	}
	defer f.Close()

	size, err := sizeOf(f)
	if err != nil {
		return err
	}

	const chunk = 1024 * 1024
	zeros := make([]byte, chunk)

	window := uint64(consts.WIPE_WINDOW_SIZE)
	if window > size {
		window = size
	}

	d.log.Info("wiping device signatures", "device", d.Path, "window", window)
	for off := uint64(0); off < window; off += chunk {
		n := chunk
		if off+chunk > window {
			n = int(window - off)
		}
		if _, err := f.WriteAt(zeros[:n], int64(off)); err != nil {
			return errdefs.Wrap(errdefs.KindWriteFailed, d.Path, "head wipe failed", err)
		}
	}

	if size > window {
		tail := size - window
		for off := tail; off < size; off += chunk {
			n := chunk
			if off+chunk > size {
				n = int(size - off)
			}
			if _, err := f.WriteAt(zeros[:n], int64(off)); err != nil {
				d.log.Info("tail wipe failed, continuing", "device", d.Path, "error", err)
				break
			}
		}
	}

	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, d.Path, "sync after wipe failed", err)
	}
	d.rereadFd(f)
	return nil
}

// Sync flushes the device and issues a global sync.
func (d *Device) Sync() error {
	f, err := os.OpenFile(d.Path, os.O_WRONLY, 0)
	if err != nil {
		return openErr(d.Path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, d.Path, "fsync failed", err)
	}
	unix.Sync()
	return nil
}

// RereadPartitionTable asks the kernel to drop and re-read the device's
// partition table. The caller is responsible for waiting until child
// partition nodes appear.
func (d *Device) RereadPartitionTable() error {
	f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
	if err != nil {
		return openErr(d.Path, err)
	}
	defer f.Close()
	d.rereadFd(f)
	return nil
}

func (d *Device) rereadFd(f *os.File) {
	st, err := f.Stat()
	if err != nil || st.Mode()&os.ModeDevice == 0 {
		return
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKRRPART, 0); errno != 0 {
		d.log.Debug("BLKRRPART failed", "device", d.Path, "errno", errno)
	}
}

// WaitForPartition polls for the given partition path to appear, retrying
// once per second up to attempts. It fails with KindPartitionNotPresent when
// the node never shows up.
func (d *Device) WaitForPartition(path string, attempts int) error {
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	return errdefs.New(errdefs.KindPartitionNotPresent, path, "partition device node did not appear")
}

func openErr(path string, err error) error {
	if os.IsPermission(err) {
		return errdefs.Wrap(errdefs.KindPermission, path, "open denied", err)
	}
	if os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindInvalidDevice, path, "no such device", err)
	}
	return errdefs.Wrap(errdefs.KindInvalidDevice, path, "cannot open device", err)
}
