package stream

import (
	"io"
	"os"
	"unsafe"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"github.com/bgrewell/burn-kit/pkg/options"
	"golang.org/x/sys/unix"
)

// Mode selects the copy path used by the streamer.
type Mode int

const (
	// Raw copies through an aligned userspace buffer with direct I/O when
	// the device supports it.
	Raw Mode = iota
	// Fast uses the kernel zero-copy file-to-file transfer, restarting in
	// Raw mode when the kernel rejects it.
	Fast
)

func (m Mode) String() string {
	if m == Fast {
		return "fast"
	}
	return "raw"
}

const (
	// rawBufferSize is the transfer unit of the raw path.
	rawBufferSize = 4 * 1024 * 1024

	// bufferAlignment satisfies direct I/O: misaligned buffers fail EINVAL.
	bufferAlignment = 4096

	// fastChunkSize is the per-call transfer unit of the sendfile path.
	fastChunkSize = 16 * 1024 * 1024
)

// Streamer copies image bytes onto devices or partitions.
type Streamer struct {
	log *logging.Logger
}

// NewStreamer creates a Streamer logging through log.
func NewStreamer(log *logging.Logger) *Streamer {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Streamer{log: log}
}

// WriteRaw copies the whole of src onto dst using the requested mode and
// returns the number of bytes written. The progress callback, when non-nil,
// is invoked on this goroutine after every chunk lands. On success the
// destination has been fsynced and a global sync issued; on error the
// destination state is undefined.
func (s *Streamer) WriteRaw(src, dst string, mode Mode, progress options.ProgressCallback) (uint64, error) {
	if mode == Fast {
		n, err, fellBack := s.copyFast(src, dst, progress)
		if !fellBack {
			return n, err
		}
		s.log.Info("zero-copy transfer unsupported, restarting in raw mode", "dst", dst)
	}
	return s.copyRaw(src, dst, progress)
}

func (s *Streamer) copyRaw(src, dst string, progress options.ProgressCallback) (uint64, error) {
	in, total, err := openSource(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|unix.O_SYNC|unix.O_DIRECT, 0)
	if err != nil {
		// Not every target honours direct I/O; synchronous writes still do.
		out, err = os.OpenFile(dst, os.O_WRONLY|unix.O_SYNC, 0)
		if err != nil {
			return 0, openDstErr(dst, err)
		}
		s.log.Debug("direct I/O unavailable, using synchronous writes", "dst", dst)
	}
	defer out.Close()

	s.log.Info("streaming image", "src", src, "dst", dst, "bytes", total, "mode", "raw")

	buf := alignedBuffer(rawBufferSize, bufferAlignment)
	var written uint64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			off := 0
			for off < n {
				w, werr := out.Write(buf[off:n])
				if werr != nil {
					return written, errdefs.Wrap(errdefs.KindWriteFailed, dst, "device write failed", werr)
				}
				off += w
			}
			written += uint64(n)
			if progress != nil {
				progress("write", int64(written), int64(total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, errdefs.Wrap(errdefs.KindReadFailed, src, "image read failed", rerr)
		}
	}

	if err := finishSync(out, dst); err != nil {
		return written, err
	}
	s.log.Info("image streamed", "dst", dst, "bytes", written)
	return written, nil
}

// copyFast attempts the kernel zero-copy path. fellBack reports that the
// kernel refused the transfer and the caller must restart from byte 0 with
// the raw path; any bytes already sent are overwritten by the restart.
func (s *Streamer) copyFast(src, dst string, progress options.ProgressCallback) (n uint64, err error, fellBack bool) {
	in, total, err := openSource(src)
	if err != nil {
		return 0, err, false
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|unix.O_SYNC, 0)
	if err != nil {
		return 0, openDstErr(dst, err), false
	}
	defer out.Close()

	s.log.Info("streaming image", "src", src, "dst", dst, "bytes", total, "mode", "fast")

	var written uint64
	for written < total {
		chunk := fastChunkSize
		if remaining := total - written; remaining < uint64(chunk) {
			chunk = int(remaining)
		}
		sent, serr := unix.Sendfile(int(out.Fd()), int(in.Fd()), nil, chunk)
		if serr != nil {
			if serr == unix.EINVAL || serr == unix.ENOSYS {
				return 0, nil, true
			}
			return written, errdefs.Wrap(errdefs.KindWriteFailed, dst, "zero-copy transfer failed", serr), false
		}
		if sent == 0 {
			return written, errdefs.New(errdefs.KindReadFailed, src, "unexpected end of image"), false
		}
		written += uint64(sent)
		if progress != nil {
			progress("write", int64(written), int64(total))
		}
	}

	if err := finishSync(out, dst); err != nil {
		return written, err, false
	}
	s.log.Info("image streamed", "dst", dst, "bytes", written)
	return written, nil, false
}

func openSource(src string) (*os.File, uint64, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsPermission(err) {
			return nil, 0, errdefs.Wrap(errdefs.KindPermission, src, "cannot open image", err)
		}
		return nil, 0, errdefs.Wrap(errdefs.KindInvalidImage, src, "cannot open image", err)
	}
	st, err := in.Stat()
	if err != nil {
		in.Close()
		return nil, 0, errdefs.Wrap(errdefs.KindReadFailed, src, "stat failed", err)
	}
	return in, uint64(st.Size()), nil
}

func openDstErr(dst string, err error) error {
	if os.IsPermission(err) {
		return errdefs.Wrap(errdefs.KindPermission, dst, "cannot open device for writing", err)
	}
	return errdefs.Wrap(errdefs.KindInvalidDevice, dst, "cannot open device for writing", err)
}

func finishSync(out *os.File, dst string) error {
	if err := out.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, dst, "fsync failed", err)
	}
	unix.Sync()
	return nil
}

// alignedBuffer returns a size-byte slice whose first element sits on an
// align-byte boundary, as direct I/O requires.
func alignedBuffer(size, align int) []byte {
	raw := make([]byte, size+align)
	off := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1))
	if off != 0 {
		off = align - off
	}
	return raw[off : off+size]
}
