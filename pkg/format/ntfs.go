package format

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
)

const ntfsBootSectorSize = 512

const ntfsMinSectors = 4096

// NTFSBootSector models the NTFS boot sector written at sector 0.
type NTFSBootSector struct {
	JmpBoot                [3]byte
	OEMID                  [8]byte
	BytesPerSector         uint16
	SectorsPerCluster      uint8
	Media                  uint8
	SectorsPerTrack        uint16
	NumberOfHeads          uint16
	HiddenSectors          uint32
	TotalSectors           uint64
	MFTCluster             uint64
	MFTMirrorCluster       uint64
	ClustersPerFileRecord  int8
	ClustersPerIndexBuffer int8
	VolumeSerial           uint64
	Signature              uint16
}

// NewNTFSBootSector derives the boot sector for a target of the given sector
// count, with a fresh random volume serial.
func NewNTFSBootSector(deviceSectors uint64) (*NTFSBootSector, error) {
	bs := &NTFSBootSector{
		JmpBoot:           [3]byte{0xEB, 0x52, 0x90},
		BytesPerSector:    consts.SECTOR_SIZE,
		SectorsPerCluster: 8,
		Media:             0xF8,
		SectorsPerTrack:   63,
		NumberOfHeads:     255,
		TotalSectors:      deviceSectors,
		MFTCluster:        deviceSectors / 2,
		MFTMirrorCluster:  deviceSectors - 1,
		// Negative means 2^|n| bytes per record: 1 KiB file records.
		ClustersPerFileRecord:  -10,
		ClustersPerIndexBuffer: 1,
		Signature:              consts.MBR_SIGNATURE,
	}
	copy(bs.OEMID[:], "NTFS    ")

	var serial [8]byte
	if _, err := rand.Read(serial[:]); err != nil {
		return nil, fmt.Errorf("failed to generate volume serial: %w", err)
	}
	bs.VolumeSerial = binary.LittleEndian.Uint64(serial[:])
	return bs, nil
}

// Marshal serialises the boot sector to its exact 512-byte on-disk form.
func (bs *NTFSBootSector) Marshal() ([]byte, error) {
	b := make([]byte, ntfsBootSectorSize)
	copy(b[0:3], bs.JmpBoot[:])
	copy(b[3:11], bs.OEMID[:])
	binary.LittleEndian.PutUint16(b[11:], bs.BytesPerSector)
	b[13] = bs.SectorsPerCluster
	// Reserved and zero fields through byte 20.
	b[21] = bs.Media
	binary.LittleEndian.PutUint16(b[24:], bs.SectorsPerTrack)
	binary.LittleEndian.PutUint16(b[26:], bs.NumberOfHeads)
	binary.LittleEndian.PutUint32(b[28:], bs.HiddenSectors)
	binary.LittleEndian.PutUint64(b[40:], bs.TotalSectors)
	binary.LittleEndian.PutUint64(b[48:], bs.MFTCluster)
	binary.LittleEndian.PutUint64(b[56:], bs.MFTMirrorCluster)
	b[64] = byte(bs.ClustersPerFileRecord)
	b[68] = byte(bs.ClustersPerIndexBuffer)
	binary.LittleEndian.PutUint64(b[72:], bs.VolumeSerial)
	binary.LittleEndian.PutUint16(b[510:], bs.Signature)
	if len(b) != ntfsBootSectorSize {
		return nil, fmt.Errorf("ntfs boot sector must marshal to %d bytes, got %d", ntfsBootSectorSize, len(b))
	}
	return b, nil
}

// createNTFS writes the boot sector only. The MFT is not laid out: the
// volume is recognised by partition probes but is not mountable until a full
// NTFS format completes the metadata files.
func (fm *Formatter) createNTFS(target, label string) error {
	fm.log.Info("creating NTFS filesystem", "target", target, "label", label)

	f, sectors, err := openTarget(target)
	if err != nil {
		return err
	}
	defer f.Close()

	if sectors < ntfsMinSectors {
		return errdefs.New(errdefs.KindDeviceTooSmall, target, "target too small for NTFS")
	}

	bs, err := NewNTFSBootSector(sectors)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector construction failed", err)
	}
	raw, err := bs.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector marshal failed", err)
	}
	if _, err := f.WriteAt(raw, 0); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector write failed", err)
	}
	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "fsync failed", err)
	}

	check := make([]byte, 11)
	if _, err := f.ReadAt(check, 0); err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, target, "verification read failed", err)
	}
	if string(check[3:11]) != "NTFS    " {
		return errdefs.New(errdefs.KindVerifyFailed, target, "NTFS OEM ID not present after write")
	}

	fm.log.Info("NTFS boot sector created", "target", target, "sectors", sectors)
	return nil
}
