package table

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/bgrewell/burn-kit/pkg/consts"
)

// MBR_SIZE is the exact on-disk size of a master boot record.
const MBR_SIZE = 512

// mbrBootStub is the minimal real-mode prologue seeded into a fresh MBR:
// cli; xor ax,ax; mov ss,ax; mov sp,0x7C00.
var mbrBootStub = []byte{0xFA, 0x31, 0xC0, 0x8E, 0xD0, 0xBC, 0x00, 0x7C}

// PartitionEntry is one 16-byte primary partition slot in the MBR.
type PartitionEntry struct {
	Status      byte
	FirstCHS    [3]byte
	TypeCode    byte
	LastCHS     [3]byte
	FirstLBA    uint32
	SectorCount uint32
}

// Empty reports whether the slot is unoccupied.
func (e *PartitionEntry) Empty() bool {
	return e.TypeCode == consts.PART_TYPE_EMPTY
}

// Bootable reports whether the entry carries the active flag.
func (e *PartitionEntry) Bootable() bool {
	return e.Status == 0x80
}

func (e *PartitionEntry) marshalInto(b []byte) {
	b[0] = e.Status
	copy(b[1:4], e.FirstCHS[:])
	b[4] = e.TypeCode
	copy(b[5:8], e.LastCHS[:])
	binary.LittleEndian.PutUint32(b[8:12], e.FirstLBA)
	binary.LittleEndian.PutUint32(b[12:16], e.SectorCount)
}

func (e *PartitionEntry) unmarshalFrom(b []byte) {
	e.Status = b[0]
	copy(e.FirstCHS[:], b[1:4])
	e.TypeCode = b[4]
	copy(e.LastCHS[:], b[5:8])
	e.FirstLBA = binary.LittleEndian.Uint32(b[8:12])
	e.SectorCount = binary.LittleEndian.Uint32(b[12:16])
}

// MBR models the 512-byte master boot record at LBA 0. All multi-byte fields
// are little-endian on disk.
type MBR struct {
	BootCode      [consts.MBR_BOOT_CODE_SIZE]byte
	DiskSignature uint32
	Reserved      uint16
	Partitions    [4]PartitionEntry
	Signature     uint16
}

// NewMBR constructs a fresh MBR with a random non-zero disk signature, the
// minimal boot stub and the 0xAA55 trailer. No partition slots are occupied.
func NewMBR() (*MBR, error) {
	m := &MBR{Signature: consts.MBR_SIGNATURE}
	copy(m.BootCode[:], mbrBootStub)

	var sig [4]byte
	for {
		if _, err := rand.Read(sig[:]); err != nil {
			return nil, fmt.Errorf("failed to generate disk signature: %w", err)
		}
		m.DiskSignature = binary.LittleEndian.Uint32(sig[:])
		if m.DiskSignature != 0 {
			break
		}
	}
	return m, nil
}

// NewProtectiveMBR constructs the protective MBR placed in front of a GPT:
// a single entry of type 0xEE covering the disk so legacy tools do not
// mistake it for empty space.
func NewProtectiveMBR(deviceSectors uint64) *MBR {
	count := deviceSectors - 1
	if count > 0xFFFFFFFF {
		count = 0xFFFFFFFF
	}
	m := &MBR{Signature: consts.MBR_SIGNATURE}
	m.Partitions[0] = PartitionEntry{
		TypeCode:    consts.PART_TYPE_PROTECTIVE,
		FirstLBA:    1,
		SectorCount: uint32(count),
	}
	return m
}

// Marshal serialises the MBR to its exact 512-byte on-disk form.
func (m *MBR) Marshal() ([]byte, error) {
	b := make([]byte, MBR_SIZE)
	copy(b[:consts.MBR_BOOT_CODE_SIZE], m.BootCode[:])
	binary.LittleEndian.PutUint32(b[consts.MBR_DISK_SIGNATURE_OFFSET:], m.DiskSignature)
	binary.LittleEndian.PutUint16(b[consts.MBR_DISK_SIGNATURE_OFFSET+4:], m.Reserved)
	for i := range m.Partitions {
		off := consts.MBR_PARTITION_TABLE_OFFSET + i*16
		m.Partitions[i].marshalInto(b[off : off+16])
	}
	binary.LittleEndian.PutUint16(b[510:], m.Signature)
	if len(b) != MBR_SIZE {
		return nil, fmt.Errorf("mbr must marshal to %d bytes, got %d", MBR_SIZE, len(b))
	}
	return b, nil
}

// Unmarshal parses a 512-byte on-disk MBR.
func (m *MBR) Unmarshal(data []byte) error {
	if len(data) < MBR_SIZE {
		return fmt.Errorf("data too short for MBR: %d bytes", len(data))
	}
	copy(m.BootCode[:], data[:consts.MBR_BOOT_CODE_SIZE])
	m.DiskSignature = binary.LittleEndian.Uint32(data[consts.MBR_DISK_SIGNATURE_OFFSET:])
	m.Reserved = binary.LittleEndian.Uint16(data[consts.MBR_DISK_SIGNATURE_OFFSET+4:])
	for i := range m.Partitions {
		off := consts.MBR_PARTITION_TABLE_OFFSET + i*16
		m.Partitions[i].unmarshalFrom(data[off : off+16])
	}
	m.Signature = binary.LittleEndian.Uint16(data[510:])
	return nil
}

// AddPartition populates the first free slot with the given geometry and
// returns its index. It reports ok=false when all four slots are occupied.
func (m *MBR) AddPartition(startLBA, sectorCount uint32, typeCode byte, bootable bool) (int, bool) {
	for i := range m.Partitions {
		if !m.Partitions[i].Empty() {
			continue
		}
		e := &m.Partitions[i]
		e.Status = 0x00
		if bootable {
			e.Status = 0x80
		}
		e.TypeCode = typeCode
		e.FirstLBA = startLBA
		e.SectorCount = sectorCount
		e.FirstCHS = EncodeCHS(uint64(startLBA))
		e.LastCHS = EncodeCHS(uint64(startLBA) + uint64(sectorCount) - 1)
		return i, true
	}
	return -1, false
}
