package table

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/google/uuid"
)

const (
	// GPT_HEADER_SIZE is the meaningful portion of the header at LBA 1.
	GPT_HEADER_SIZE = 92

	// GPT_ENTRY_SIZE and GPT_ENTRY_COUNT describe the partition entry array
	// starting at LBA 2.
	GPT_ENTRY_SIZE  = 128
	GPT_ENTRY_COUNT = 128
)

// crcTable is the 256-entry lookup table for the 0xEDB88320 polynomial,
// built once at package load. Large entry arrays make table lookup the only
// acceptable throughput.
var crcTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 used throughout GPT structures.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// GPTHeader models the 92 meaningful bytes of the GPT header at LBA 1. The
// remainder of the sector is zero on disk.
type GPTHeader struct {
	Signature           [8]byte
	Revision            uint32
	HeaderSize          uint32
	HeaderCRC32         uint32
	CurrentLBA          uint64
	BackupLBA           uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            [16]byte
	PartitionEntryLBA   uint64
	NumPartitionEntries uint32
	PartitionEntrySize  uint32
	PartitionArrayCRC32 uint32
}

// NewGPTHeader constructs the primary GPT header for a device of the given
// sector count, with a fresh random (RFC 4122 v4) disk GUID and an entry
// array of 128 zeroed entries accounted in the array checksum.
func NewGPTHeader(deviceSectors uint64) (*GPTHeader, error) {
	guid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate disk GUID: %w", err)
	}

	h := &GPTHeader{
		Revision:            0x00010000,
		HeaderSize:          GPT_HEADER_SIZE,
		CurrentLBA:          1,
		BackupLBA:           deviceSectors - 1,
		FirstUsableLBA:      34,
		LastUsableLBA:       deviceSectors - 34,
		PartitionEntryLBA:   2,
		NumPartitionEntries: GPT_ENTRY_COUNT,
		PartitionEntrySize:  GPT_ENTRY_SIZE,
	}
	copy(h.Signature[:], consts.GPT_SIGNATURE)
	copy(h.DiskGUID[:], guid[:])
	h.PartitionArrayCRC32 = Checksum(make([]byte, GPT_ENTRY_COUNT*GPT_ENTRY_SIZE))
	return h, nil
}

// Marshal serialises the header into a full 512-byte sector, computing the
// header CRC with the CRC field zeroed as the firmware will verify it.
func (h *GPTHeader) Marshal() ([]byte, error) {
	b := make([]byte, consts.SECTOR_SIZE)
	copy(b[0:8], h.Signature[:])
	binary.LittleEndian.PutUint32(b[8:], h.Revision)
	binary.LittleEndian.PutUint32(b[12:], h.HeaderSize)
	// CRC field at 16..20 stays zero during computation.
	binary.LittleEndian.PutUint64(b[24:], h.CurrentLBA)
	binary.LittleEndian.PutUint64(b[32:], h.BackupLBA)
	binary.LittleEndian.PutUint64(b[40:], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(b[48:], h.LastUsableLBA)
	copy(b[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(b[72:], h.PartitionEntryLBA)
	binary.LittleEndian.PutUint32(b[80:], h.NumPartitionEntries)
	binary.LittleEndian.PutUint32(b[84:], h.PartitionEntrySize)
	binary.LittleEndian.PutUint32(b[88:], h.PartitionArrayCRC32)

	h.HeaderCRC32 = Checksum(b[:GPT_HEADER_SIZE])
	binary.LittleEndian.PutUint32(b[16:], h.HeaderCRC32)
	return b, nil
}

// Unmarshal parses a GPT header sector, without verifying the CRC.
func (h *GPTHeader) Unmarshal(data []byte) error {
	if len(data) < GPT_HEADER_SIZE {
		return fmt.Errorf("data too short for GPT header: %d bytes", len(data))
	}
	copy(h.Signature[:], data[0:8])
	h.Revision = binary.LittleEndian.Uint32(data[8:])
	h.HeaderSize = binary.LittleEndian.Uint32(data[12:])
	h.HeaderCRC32 = binary.LittleEndian.Uint32(data[16:])
	h.CurrentLBA = binary.LittleEndian.Uint64(data[24:])
	h.BackupLBA = binary.LittleEndian.Uint64(data[32:])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(data[40:])
	h.LastUsableLBA = binary.LittleEndian.Uint64(data[48:])
	copy(h.DiskGUID[:], data[56:72])
	h.PartitionEntryLBA = binary.LittleEndian.Uint64(data[72:])
	h.NumPartitionEntries = binary.LittleEndian.Uint32(data[80:])
	h.PartitionEntrySize = binary.LittleEndian.Uint32(data[84:])
	h.PartitionArrayCRC32 = binary.LittleEndian.Uint32(data[88:])
	return nil
}

// VerifyCRC recomputes the header checksum with the CRC field zeroed and
// compares it against the stored value.
func (h *GPTHeader) VerifyCRC() bool {
	b := make([]byte, GPT_HEADER_SIZE)
	copy(b[0:8], h.Signature[:])
	binary.LittleEndian.PutUint32(b[8:], h.Revision)
	binary.LittleEndian.PutUint32(b[12:], h.HeaderSize)
	binary.LittleEndian.PutUint64(b[24:], h.CurrentLBA)
	binary.LittleEndian.PutUint64(b[32:], h.BackupLBA)
	binary.LittleEndian.PutUint64(b[40:], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(b[48:], h.LastUsableLBA)
	copy(b[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(b[72:], h.PartitionEntryLBA)
	binary.LittleEndian.PutUint32(b[80:], h.NumPartitionEntries)
	binary.LittleEndian.PutUint32(b[84:], h.PartitionEntrySize)
	binary.LittleEndian.PutUint32(b[88:], h.PartitionArrayCRC32)
	return Checksum(b) == h.HeaderCRC32
}
