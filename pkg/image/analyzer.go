package image

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/logging"
)

const (
	// Images below this length cannot carry any recognisable structure.
	minImageSize = 1024

	// Byte windows the analyser is allowed to read. Everything is probed at
	// fixed offsets; the image is never mapped or modified.
	uefiScanSize = 1024 * 1024
	bootScanSize = 2 * 1024 * 1024
)

// bootFilePatterns is the closed set of boot-loader artifacts the analyser
// looks for in the first two MiB of the image.
var bootFilePatterns = []string{
	"ISOLINUX.BIN", "isolinux.bin",
	"SYSLINUX.BIN", "syslinux.bin",
	"BOOTX64.EFI", "bootx64.efi",
	"BOOTIA32.EFI", "bootia32.efi",
	"GRUBX64.EFI", "grubx64.efi",
	"GRUB.CFG", "grub.cfg",
	"VMLINUZ", "vmlinuz",
	"INITRD", "initrd",
}

var uefiMarkers = [][]byte{
	[]byte("EFI/BOOT"),
	[]byte("BOOTX64.EFI"),
	[]byte("BOOTIA32.EFI"),
}

// Analyzer inspects image files without modifying them.
type Analyzer struct {
	log *logging.Logger
}

// NewAnalyzer creates an Analyzer logging through log.
func NewAnalyzer(log *logging.Logger) *Analyzer {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Analyzer{log: log}
}

// Analyze reads the fixed probe windows of the image at path and classifies
// it. The result is a pure function of the image bytes.
func (a *Analyzer) Analyze(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errdefs.Wrap(errdefs.KindPermission, path, "cannot open image", err)
		}
		return nil, errdefs.Wrap(errdefs.KindInvalidImage, path, "cannot open image", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindReadFailed, path, "stat failed", err)
	}
	if st.Size() < minImageSize {
		return nil, errdefs.New(errdefs.KindInvalidImage, path, "file too small to be a disc image")
	}

	s := &Structure{Path: path, SizeBytes: uint64(st.Size())}

	mbr := readWindow(f, 0, consts.SECTOR_SIZE)
	s.HasMBR = len(mbr) == consts.SECTOR_SIZE &&
		mbr[510] == 0x55 && mbr[511] == 0xAA
	if s.HasMBR {
		s.EmbeddedPartitions = parseEmbeddedPartitions(mbr)
	}

	pvd := readWindow(f, consts.ISO9660_PVD_OFFSET, consts.ISO9660_SECTOR_SIZE)
	s.HasISO9660 = len(pvd) > 6 &&
		string(pvd[1:6]) == consts.ISO9660_STD_IDENTIFIER

	brvd := readWindow(f, consts.EL_TORITO_BRVD_OFFSET, consts.ISO9660_SECTOR_SIZE)
	s.HasElTorito = bytes.Contains(brvd, []byte("EL TORITO")) ||
		bytes.Contains(brvd, []byte("BOOT CATALOG"))

	head := readWindow(f, 0, bootScanSize)
	upperHead := bytes.ToUpper(head[:min(len(head), uefiScanSize)])
	for _, marker := range uefiMarkers {
		if bytes.Contains(upperHead, marker) {
			s.HasUEFI = true
			break
		}
	}
	for _, pattern := range bootFilePatterns {
		if bytes.Contains(head, []byte(pattern)) {
			s.BootFiles = append(s.BootFiles, pattern)
		}
	}

	s.Type = classify(s)

	a.log.Info("image analysis complete",
		"path", path,
		"type", s.Type,
		"boot", s.BootTypeDescription(),
		"uefi", s.HasUEFI,
		"legacy", s.HasLegacyBoot(),
		"embeddedPartitions", len(s.EmbeddedPartitions))

	return s, nil
}

func classify(s *Structure) Type {
	switch {
	case s.HasMBR && len(s.EmbeddedPartitions) > 0 && s.HasISO9660:
		return TypeHybrid
	case s.HasElTorito && s.HasISO9660:
		return TypeElTorito
	case s.HasISO9660:
		return TypePure
	default:
		return TypeUnknown
	}
}

// parseEmbeddedPartitions decodes the four primary entries of an MBR already
// known to carry the 0xAA55 signature.
func parseEmbeddedPartitions(mbr []byte) []EmbeddedPartition {
	var parts []EmbeddedPartition
	for i := 0; i < 4; i++ {
		off := consts.MBR_PARTITION_TABLE_OFFSET + i*16
		entry := mbr[off : off+16]
		if entry[4] == consts.PART_TYPE_EMPTY {
			continue
		}
		parts = append(parts, EmbeddedPartition{
			StartLBA:    binary.LittleEndian.Uint32(entry[8:12]),
			SectorCount: binary.LittleEndian.Uint32(entry[12:16]),
			TypeCode:    entry[4],
			Bootable:    entry[0] == 0x80,
		})
	}
	return parts
}

// readWindow reads up to size bytes at off, tolerating short files. A probe
// window past the end of the image simply comes back shorter.
func readWindow(r io.ReaderAt, off int64, size int) []byte {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil
	}
	return buf[:n]
}
