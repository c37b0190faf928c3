package format

import (
	"os"
	"unsafe"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"golang.org/x/sys/unix"
)

// targetSize returns the byte capacity of an open target: the BLKGETSIZE64
// ioctl for block devices, the stat size for regular files.
func targetSize(f *os.File) (uint64, error) {
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
