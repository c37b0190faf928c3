package burner

import (
	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/image"
	"github.com/bgrewell/burn-kit/pkg/table"
)

// Config is the immutable description of one burn run, assembled once by the
// caller and never mutated by the pipeline.
type Config struct {
	ImagePath  string
	DevicePath string

	Strategy  image.Strategy
	Structure *image.Structure

	FastMode bool
	DryRun   bool
	Force    bool

	Persistence        bool
	PersistenceSizeMiB uint64
	PersistenceFS      format.FSType

	TableType table.Type
	DataLabel string
}

// PersistenceLabel returns the label applied to the persistence filesystem:
// the casper convention for ext4, a generic marker for everything else.
func (c *Config) PersistenceLabel() string {
	if c.PersistenceFS == format.FSExt4 {
		return consts.PERSISTENCE_EXT4_LABEL
	}
	return consts.PERSISTENCE_GENERIC_LABEL
}

// PersistenceTypeCode returns the MBR partition type for the persistence
// filesystem.
func (c *Config) PersistenceTypeCode() byte {
	if c.PersistenceFS == format.FSExt4 {
		return consts.PART_TYPE_LINUX
	}
	return consts.PART_TYPE_FAT32_LBA
}

// ImageSectors returns the image size in 512-byte sectors, rounded up.
func (c *Config) ImageSectors() uint64 {
	return (c.Structure.SizeBytes + consts.SECTOR_SIZE - 1) / consts.SECTOR_SIZE
}

// alignUp rounds sectors up to the partition alignment unit.
func alignUp(sectors uint64) uint64 {
	const unit = consts.PARTITION_ALIGNMENT_SECTORS
	return (sectors + unit - 1) / unit * unit
}
