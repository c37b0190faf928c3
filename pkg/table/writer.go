package table

import (
	"os"
	"unsafe"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"golang.org/x/sys/unix"
)

// Type selects the partition table flavour written to the device.
type Type int

const (
	// MBRTable is the classic DOS master boot record.
	MBRTable Type = iota
	// GPTTable is the GUID partition table with a protective MBR.
	GPTTable
)

func (t Type) String() string {
	if t == GPTTable {
		return "GPT"
	}
	return "MBR"
}

// ParseType parses a user-supplied table type name.
func ParseType(s string) (Type, bool) {
	switch s {
	case "mbr", "MBR", "Mbr":
		return MBRTable, true
	case "gpt", "GPT", "Gpt":
		return GPTTable, true
	default:
		return MBRTable, false
	}
}

// Writer builds a partition table on one open device. The device stays open
// between calls so a create followed by several adds and a commit act on a
// single descriptor.
type Writer struct {
	path    string
	kind    Type
	f       *os.File
	sectors uint64
	log     *logging.Logger
}

// Open prepares a Writer on the device at path. The caller must Close it.
func Open(path string, kind Type, log *logging.Logger) (*Writer, error) {
	if log == nil {
		log = logging.DefaultLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errdefs.Wrap(errdefs.KindPermission, path, "cannot open device for partitioning", err)
		}
		return nil, errdefs.Wrap(errdefs.KindInvalidDevice, path, "cannot open device for partitioning", err)
	}

	w := &Writer{path: path, kind: kind, f: f, log: log}
	if w.sectors, err = w.deviceSectors(); err != nil {
		f.Close()
		return nil, err
	}
	log.Debug("partition table writer ready", "device", path, "type", kind, "sectors", w.sectors)
	return w, nil
}

// Close releases the device descriptor.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// DeviceSectors returns the device capacity in 512-byte sectors.
func (w *Writer) DeviceSectors() uint64 { return w.sectors }

func (w *Writer) deviceSectors() (uint64, error) {
	st, err := w.f.Stat()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindReadFailed, w.path, "stat failed", err)
	}
	if st.Mode()&os.ModeDevice == 0 {
		return uint64(st.Size()) / consts.SECTOR_SIZE, nil
	}
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errdefs.Wrap(errdefs.KindReadFailed, w.path, "BLKGETSIZE64 failed", errno)
	}
	return size / consts.SECTOR_SIZE, nil
}

// CreateMBR writes a fresh empty MBR with a random disk signature, then
// zeroes the remainder of the first alignment unit so stale metadata from a
// previous layout cannot survive inside it.
func (w *Writer) CreateMBR() error {
	w.log.Info("creating MBR partition table", "device", w.path)

	m, err := NewMBR()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "mbr construction failed", err)
	}
	raw, err := m.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "mbr marshal failed", err)
	}
	if _, err := w.f.WriteAt(raw, 0); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "mbr write failed", err)
	}

	zeroSector := make([]byte, consts.SECTOR_SIZE)
	for lba := uint64(1); lba < consts.PARTITION_ALIGNMENT_SECTORS && lba < w.sectors; lba++ {
		if _, err := w.f.WriteAt(zeroSector, int64(lba*consts.SECTOR_SIZE)); err != nil {
			return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "alignment zeroing failed", err)
		}
	}
	return w.fsync()
}

// CreateGPT writes a protective MBR, the primary GPT header at LBA 1 and a
// zeroed 128-entry partition array at LBA 2.
func (w *Writer) CreateGPT() error {
	w.log.Info("creating GPT partition table", "device", w.path)

	pm := NewProtectiveMBR(w.sectors)
	raw, err := pm.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "protective mbr marshal failed", err)
	}
	if _, err := w.f.WriteAt(raw, 0); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "protective mbr write failed", err)
	}

	h, err := NewGPTHeader(w.sectors)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "gpt header construction failed", err)
	}
	sector, err := h.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "gpt header marshal failed", err)
	}
	if _, err := w.f.WriteAt(sector, consts.SECTOR_SIZE); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "gpt header write failed", err)
	}

	entries := make([]byte, GPT_ENTRY_COUNT*GPT_ENTRY_SIZE)
	if _, err := w.f.WriteAt(entries, 2*consts.SECTOR_SIZE); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "gpt entry array write failed", err)
	}
	return w.fsync()
}

// AddMBRPartition reads the MBR back from the device, populates the first
// free slot with the given geometry and rewrites it. It fails with
// KindTableFull once all four primary slots are occupied.
func (w *Writer) AddMBRPartition(startLBA, sectorCount uint32, typeCode byte, bootable bool) error {
	raw := make([]byte, MBR_SIZE)
	if _, err := w.f.ReadAt(raw, 0); err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, w.path, "mbr read failed", err)
	}
	var m MBR
	if err := m.Unmarshal(raw); err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, w.path, "mbr parse failed", err)
	}

	idx, ok := m.AddPartition(startLBA, sectorCount, typeCode, bootable)
	if !ok {
		return errdefs.New(errdefs.KindTableFull, w.path, "no free partition slots in MBR")
	}

	out, err := m.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "mbr marshal failed", err)
	}
	if _, err := w.f.WriteAt(out, 0); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "mbr write failed", err)
	}
	if err := w.fsync(); err != nil {
		return err
	}

	w.log.Info("partition added",
		"device", w.path,
		"slot", idx+1,
		"startLBA", startLBA,
		"sectors", sectorCount,
		"type", typeCode,
		"bootable", bootable)
	return nil
}

// ReadMBR reads the current on-device MBR back.
func (w *Writer) ReadMBR() (*MBR, error) {
	raw := make([]byte, MBR_SIZE)
	if _, err := w.f.ReadAt(raw, 0); err != nil {
		return nil, errdefs.Wrap(errdefs.KindReadFailed, w.path, "mbr read failed", err)
	}
	var m MBR
	if err := m.Unmarshal(raw); err != nil {
		return nil, errdefs.Wrap(errdefs.KindReadFailed, w.path, "mbr parse failed", err)
	}
	return &m, nil
}

// Commit flushes the table and asks the kernel to re-read it. Waiting for
// the child partition nodes to appear is the orchestrator's job.
func (w *Writer) Commit() error {
	if err := w.fsync(); err != nil {
		return err
	}
	st, err := w.f.Stat()
	if err == nil && st.Mode()&os.ModeDevice != 0 {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, w.f.Fd(), unix.BLKRRPART, 0); errno != 0 {
			w.log.Debug("BLKRRPART failed", "device", w.path, "errno", errno)
		}
	}
	return nil
}

func (w *Writer) fsync() error {
	if err := w.f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, w.path, "fsync failed", err)
	}
	return nil
}
