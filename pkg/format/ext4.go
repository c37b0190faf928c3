package format

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/google/uuid"
)

const (
	// ext4SuperblockOffset is the fixed byte offset of the primary superblock.
	ext4SuperblockOffset = 1024

	// ext4SuperblockSize is the on-disk size of the superblock record.
	ext4SuperblockSize = 1024

	// ext4MinBytes is the smallest target the formatter accepts.
	ext4MinBytes = 4 * 1024 * 1024
)

// Ext4Superblock models the fields of the ext4 superblock this engine
// populates. The layout matches the kernel's struct ext4_super_block for the
// first 136 bytes; everything after the volume name stays zero.
type Ext4Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocks       uint32
	FreeInodes       uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogClusterSize   uint32
	BlocksPerGroup   uint32
	ClustersPerGroup uint32
	InodesPerGroup   uint32
	MountTime        uint32
	WriteTime        uint32
	MountCount       uint16
	MaxMountCount    uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	LastCheck        uint32
	CheckInterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResUID        uint16
	DefResGID        uint16
	FirstInode       uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
}

// NewExt4Superblock derives a clean superblock for a target of the given
// block count, with a fresh random UUID.
func NewExt4Superblock(blockCount uint32, label string) (*Ext4Superblock, error) {
	blockGroups := (blockCount + consts.EXT4_BLOCKS_PER_GROUP - 1) / consts.EXT4_BLOCKS_PER_GROUP
	now := uint32(time.Now().Unix())

	sb := &Ext4Superblock{
		InodesCount:      consts.EXT4_INODES_PER_GROUP * blockGroups,
		BlocksCount:      blockCount,
		RBlocksCount:     blockCount / 20,
		FirstDataBlock:   0,
		LogBlockSize:     2, // log2(4096/1024)
		LogClusterSize:   2,
		BlocksPerGroup:   consts.EXT4_BLOCKS_PER_GROUP,
		ClustersPerGroup: consts.EXT4_BLOCKS_PER_GROUP,
		InodesPerGroup:   consts.EXT4_INODES_PER_GROUP,
		MountTime:        now,
		WriteTime:        now,
		MaxMountCount:    65535,
		Magic:            consts.EXT4_MAGIC,
		State:            1, // clean
		Errors:           1, // continue on error
		LastCheck:        now,
		CreatorOS:        0, // Linux
		RevLevel:         1,
		FirstInode:       11,
		InodeSize:        consts.EXT4_INODE_SIZE,
		FeatureCompat:    0x38,  // dir_index, resize_inode, ext_attr
		FeatureIncompat:  0x2C2, // filetype, extents, 64bit, flex_bg
		FeatureROCompat:  0x7B,  // sparse_super, large_file, huge_file, gdt_csum, dir_nlink, extra_isize
	}
	if blockCount > 1000 {
		sb.FreeBlocks = blockCount - 1000
	}
	sb.FreeInodes = sb.InodesCount - 11

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate filesystem UUID: %w", err)
	}
	copy(sb.UUID[:], id[:])
	copy(sb.VolumeName[:], label)

	return sb, nil
}

// Marshal serialises the superblock into its 1024-byte on-disk record.
func (sb *Ext4Superblock) Marshal() ([]byte, error) {
	b := make([]byte, ext4SuperblockSize)
	binary.LittleEndian.PutUint32(b[0:], sb.InodesCount)
	binary.LittleEndian.PutUint32(b[4:], sb.BlocksCount)
	binary.LittleEndian.PutUint32(b[8:], sb.RBlocksCount)
	binary.LittleEndian.PutUint32(b[12:], sb.FreeBlocks)
	binary.LittleEndian.PutUint32(b[16:], sb.FreeInodes)
	binary.LittleEndian.PutUint32(b[20:], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(b[24:], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(b[28:], sb.LogClusterSize)
	binary.LittleEndian.PutUint32(b[32:], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(b[36:], sb.ClustersPerGroup)
	binary.LittleEndian.PutUint32(b[40:], sb.InodesPerGroup)
	binary.LittleEndian.PutUint32(b[44:], sb.MountTime)
	binary.LittleEndian.PutUint32(b[48:], sb.WriteTime)
	binary.LittleEndian.PutUint16(b[52:], sb.MountCount)
	binary.LittleEndian.PutUint16(b[54:], sb.MaxMountCount)
	binary.LittleEndian.PutUint16(b[56:], sb.Magic)
	binary.LittleEndian.PutUint16(b[58:], sb.State)
	binary.LittleEndian.PutUint16(b[60:], sb.Errors)
	binary.LittleEndian.PutUint16(b[62:], sb.MinorRevLevel)
	binary.LittleEndian.PutUint32(b[64:], sb.LastCheck)
	binary.LittleEndian.PutUint32(b[68:], sb.CheckInterval)
	binary.LittleEndian.PutUint32(b[72:], sb.CreatorOS)
	binary.LittleEndian.PutUint32(b[76:], sb.RevLevel)
	binary.LittleEndian.PutUint16(b[80:], sb.DefResUID)
	binary.LittleEndian.PutUint16(b[82:], sb.DefResGID)
	binary.LittleEndian.PutUint32(b[84:], sb.FirstInode)
	binary.LittleEndian.PutUint16(b[88:], sb.InodeSize)
	binary.LittleEndian.PutUint16(b[90:], sb.BlockGroupNr)
	binary.LittleEndian.PutUint32(b[92:], sb.FeatureCompat)
	binary.LittleEndian.PutUint32(b[96:], sb.FeatureIncompat)
	binary.LittleEndian.PutUint32(b[100:], sb.FeatureROCompat)
	copy(b[104:120], sb.UUID[:])
	copy(b[120:136], sb.VolumeName[:])
	if len(b) != ext4SuperblockSize {
		return nil, fmt.Errorf("ext4 superblock must marshal to %d bytes, got %d", ext4SuperblockSize, len(b))
	}
	return b, nil
}

// createExt4 writes the superblock only. Block-group descriptors, bitmaps
// and inode tables are left unwritten: the volume is recognised by blkid and
// the casper persistence loader, and is fully initialised the first time the
// live system writes to it. General ext4 tooling will want an fsck first.
func (fm *Formatter) createExt4(target, label string) error {
	fm.log.Info("creating ext4 filesystem", "target", target, "label", label)

	f, sectors, err := openTarget(target)
	if err != nil {
		return err
	}
	defer f.Close()

	sizeBytes := sectors * consts.SECTOR_SIZE
	if sizeBytes < ext4MinBytes {
		return errdefs.New(errdefs.KindDeviceTooSmall, target, "target too small for ext4")
	}

	blockCount := sizeBytes / consts.EXT4_BLOCK_SIZE
	if blockCount > 0xFFFFFFFF {
		blockCount = 0xFFFFFFFF
	}

	sb, err := NewExt4Superblock(uint32(blockCount), label)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "superblock construction failed", err)
	}
	raw, err := sb.Marshal()
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "superblock marshal failed", err)
	}
	if _, err := f.WriteAt(raw, ext4SuperblockOffset); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "superblock write failed", err)
	}
	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "fsync failed", err)
	}

	// The magic must be readable back at absolute offset 1080 or the
	// filesystem does not exist as far as the rest of the world is concerned.
	check := make([]byte, 2)
	if _, err := f.ReadAt(check, ext4SuperblockOffset+56); err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, target, "verification read failed", err)
	}
	if binary.LittleEndian.Uint16(check) != consts.EXT4_MAGIC {
		return errdefs.New(errdefs.KindVerifyFailed, target, "ext4 magic not present after write")
	}

	fm.log.Info("ext4 filesystem created", "target", target, "blocks", blockCount)
	return nil
}
