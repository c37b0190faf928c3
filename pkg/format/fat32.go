package format

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
)

// fat32BootSectorSize is the exact size of the FAT32 BPB sector.
const fat32BootSectorSize = 512

// fat32MinSectors is the smallest target the formatter accepts. Below this
// the FAT and data regions cannot coexist.
const fat32MinSectors = 4096

// FAT32BootSector models the BIOS parameter block written at sector 0 (and
// mirrored at the backup location, sector 6).
type FAT32BootSector struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumberOfHeads     uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	FATSize32         uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	DriveNumber       uint8
	BootSignature     uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
	Signature         uint16
}

// NewFAT32BootSector fills in the fixed geometry for a device of the given
// sector count and derives the FAT size from it.
func NewFAT32BootSector(deviceSectors uint32, label string) (*FAT32BootSector, error) {
	bs := &FAT32BootSector{
		JmpBoot:           [3]byte{0xEB, 0x58, 0x90},
		BytesPerSector:    consts.SECTOR_SIZE,
		SectorsPerCluster: consts.FAT32_SECTORS_PER_CLUSTER,
		ReservedSectors:   consts.FAT32_RESERVED_SECTORS,
		NumFATs:           consts.FAT32_NUM_FATS,
		Media:             0xF8,
		SectorsPerTrack:   63,
		NumberOfHeads:     255,
		TotalSectors32:    deviceSectors,
		RootCluster:       2,
		FSInfoSector:      1,
		BackupBootSector:  6,
		DriveNumber:       0x80,
		BootSignature:     0x29,
		Signature:         consts.MBR_SIGNATURE,
	}
	copy(bs.OEMName[:], "MSWIN4.1")
	copy(bs.FSType[:], "FAT32   ")

	// FAT size: ceil((sectors - reserved) / (256 * sectorsPerCluster + FATs)).
	// A sector holds 128 four-byte entries, so each FAT sized this way maps
	// roughly half of the data-region clusters.
	divisor := uint32(256)*uint32(bs.SectorsPerCluster) + uint32(bs.NumFATs)
	bs.FATSize32 = (deviceSectors - uint32(bs.ReservedSectors) + divisor - 1) / divisor

	var vid [4]byte
	if _, err := rand.Read(vid[:]); err != nil {
		return nil, fmt.Errorf("failed to generate volume ID: %w", err)
	}
	bs.VolumeID = binary.LittleEndian.Uint32(vid[:])

	padded := label
	for len(padded) < 11 {
		padded += " "
	}
	copy(bs.VolumeLabel[:], padded[:11])

	return bs, nil
}

// FirstFATSector returns the sector where the first file-allocation table
// begins.
func (bs *FAT32BootSector) FirstFATSector() uint32 {
	return uint32(bs.ReservedSectors)
}

// DataStartSector returns the first sector of the data region, which holds
// the root directory cluster.
func (bs *FAT32BootSector) DataStartSector() uint32 {
	return uint32(bs.ReservedSectors) + uint32(bs.NumFATs)*bs.FATSize32
}

// Marshal serialises the boot sector to its exact 512-byte on-disk form.
func (bs *FAT32BootSector) Marshal() ([]byte, error) {
	b := make([]byte, fat32BootSectorSize)
	copy(b[0:3], bs.JmpBoot[:])
	copy(b[3:11], bs.OEMName[:])
	binary.LittleEndian.PutUint16(b[11:], bs.BytesPerSector)
	b[13] = bs.SectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:], bs.ReservedSectors)
	b[16] = bs.NumFATs
	binary.LittleEndian.PutUint16(b[17:], bs.RootEntryCount)
	binary.LittleEndian.PutUint16(b[19:], bs.TotalSectors16)
	b[21] = bs.Media
	binary.LittleEndian.PutUint16(b[22:], bs.FATSize16)
	binary.LittleEndian.PutUint16(b[24:], bs.SectorsPerTrack)
	binary.LittleEndian.PutUint16(b[26:], bs.NumberOfHeads)
	binary.LittleEndian.PutUint32(b[28:], bs.HiddenSectors)
	binary.LittleEndian.PutUint32(b[32:], bs.TotalSectors32)
	binary.LittleEndian.PutUint32(b[36:], bs.FATSize32)
	binary.LittleEndian.PutUint16(b[40:], bs.ExtFlags)
	binary.LittleEndian.PutUint16(b[42:], bs.FSVersion)
	binary.LittleEndian.PutUint32(b[44:], bs.RootCluster)
	binary.LittleEndian.PutUint16(b[48:], bs.FSInfoSector)
	binary.LittleEndian.PutUint16(b[50:], bs.BackupBootSector)
	// 12 reserved bytes at 52..64.
	b[64] = bs.DriveNumber
	// Reserved byte at 65.
	b[66] = bs.BootSignature
	binary.LittleEndian.PutUint32(b[67:], bs.VolumeID)
	copy(b[71:82], bs.VolumeLabel[:])
	copy(b[82:90], bs.FSType[:])
	binary.LittleEndian.PutUint16(b[510:], bs.Signature)
	if len(b) != fat32BootSectorSize {
		return nil, fmt.Errorf("fat32 boot sector must marshal to %d bytes, got %d", fat32BootSectorSize, len(b))
	}
	return b, nil
}

// marshalFSInfo builds the FSInfo sector written at sectors 1 and 7. Free
// counts are left unknown; the first mount computes them.
func marshalFSInfo() []byte {
	b := make([]byte, consts.SECTOR_SIZE)
	binary.LittleEndian.PutUint32(b[0:], 0x41615252)
	binary.LittleEndian.PutUint32(b[484:], 0x61417272)
	binary.LittleEndian.PutUint32(b[488:], 0xFFFFFFFF) // free cluster count
	binary.LittleEndian.PutUint32(b[492:], 0xFFFFFFFF) // next free cluster
	binary.LittleEndian.PutUint32(b[508:], 0xAA550000)
	return b
}

// marshalFirstFATSector builds the first sector of a fresh FAT: media entry,
// end-of-chain, and the root directory cluster terminator.
func marshalFirstFATSector() []byte {
	b := make([]byte, consts.SECTOR_SIZE)
	binary.LittleEndian.PutUint32(b[0:], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(b[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(b[8:], 0x0FFFFFFF)
	return b
}

func (fm *Formatter) createFAT32(target, label string) error {
	fm.log.Info("creating FAT32 filesystem", "target", target, "label", label)

	f, sectors, err := openTarget(target)
	if err != nil {
		return err
	}
	defer f.Close()

	if sectors < fat32MinSectors {
		return errdefs.New(errdefs.KindDeviceTooSmall, target, "target too small for FAT32")
	}
	if sectors > 0xFFFFFFFF {
		sectors = 0xFFFFFFFF
	}

	bs, err := NewFAT32BootSector(uint32(sectors), label)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector construction failed", err)
	}
	raw, err := bs.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector marshal failed", err)
	}

	// Boot sector and its backup.
	if err := writeSector(f, 0, raw); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "boot sector write failed", err)
	}
	if err := writeSector(f, uint64(bs.BackupBootSector), raw); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "backup boot sector write failed", err)
	}

	// FSInfo and its backup.
	fsinfo := marshalFSInfo()
	if err := writeSector(f, uint64(bs.FSInfoSector), fsinfo); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "fsinfo write failed", err)
	}
	if err := writeSector(f, uint64(bs.BackupBootSector)+1, fsinfo); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "backup fsinfo write failed", err)
	}

	// Both copies of the FAT.
	fat := marshalFirstFATSector()
	if err := writeSector(f, uint64(bs.FirstFATSector()), fat); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "FAT write failed", err)
	}
	if err := writeSector(f, uint64(bs.FirstFATSector()+bs.FATSize32), fat); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "FAT mirror write failed", err)
	}

	// Zero the root directory cluster at the start of the data region.
	cluster := make([]byte, int(bs.SectorsPerCluster)*consts.SECTOR_SIZE)
	if _, err := f.WriteAt(cluster, int64(bs.DataStartSector())*consts.SECTOR_SIZE); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "root directory init failed", err)
	}

	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "fsync failed", err)
	}

	// Read back the filesystem identity before declaring success.
	check := make([]byte, fat32BootSectorSize)
	if _, err := f.ReadAt(check, 0); err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, target, "verification read failed", err)
	}
	if string(check[82:90]) != "FAT32   " || binary.LittleEndian.Uint16(check[510:]) != consts.MBR_SIGNATURE {
		return errdefs.New(errdefs.KindVerifyFailed, target, "FAT32 signature not present after write")
	}

	fm.log.Info("FAT32 filesystem created", "target", target, "sectors", sectors, "fatSectors", bs.FATSize32)
	return nil
}

func openTarget(target string) (*os.File, uint64, error) {
	f, err := os.OpenFile(target, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, 0, errdefs.Wrap(errdefs.KindPermission, target, "cannot open target", err)
		}
		return nil, 0, errdefs.Wrap(errdefs.KindInvalidDevice, target, "cannot open target", err)
	}
	size, err := targetSize(f)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, size / consts.SECTOR_SIZE, nil
}

func writeSector(f *os.File, lba uint64, data []byte) error {
	_, err := f.WriteAt(data, int64(lba)*consts.SECTOR_SIZE)
	return err
}
