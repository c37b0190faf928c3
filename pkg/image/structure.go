package image

import "github.com/bgrewell/burn-kit/pkg/consts"

// Type classifies an image by the boot structures it carries.
type Type int

const (
	// TypeUnknown is an image with no recognised boot structure.
	TypeUnknown Type = iota
	// TypePure is a plain ISO 9660 image with no boot records.
	TypePure
	// TypeElTorito is an ISO 9660 image with an El Torito boot record.
	TypeElTorito
	// TypeHybrid is an image valid both as ISO 9660 and as an MBR disk.
	TypeHybrid
)

func (t Type) String() string {
	switch t {
	case TypePure:
		return "Pure ISO 9660"
	case TypeElTorito:
		return "El Torito"
	case TypeHybrid:
		return "Hybrid"
	default:
		return "Unknown"
	}
}

// Strategy names the on-disk construction plan chosen for an image.
type Strategy int

const (
	// RawCopy streams the image verbatim to the whole device.
	RawCopy Strategy = iota
	// HybridPreserve streams the image verbatim and keeps its own partition
	// table, optionally appending a persistence partition after it.
	HybridPreserve
	// SmartExtract builds a fresh FAT32 partition and copies the image's
	// files into it, installing a bootloader from scratch.
	SmartExtract
	// MultiPart lays out separate ESP, data and persistence partitions for
	// images that boot both UEFI and legacy firmware.
	MultiPart
)

func (s Strategy) String() string {
	switch s {
	case HybridPreserve:
		return "hybrid-preserve"
	case SmartExtract:
		return "smart-extract"
	case MultiPart:
		return "multi-part"
	default:
		return "raw-copy"
	}
}

// EmbeddedPartition is one MBR partition entry found inside a hybrid image.
type EmbeddedPartition struct {
	StartLBA    uint32
	SectorCount uint32
	TypeCode    byte
	Bootable    bool
}

// FilesystemName maps the partition type code to a coarse filesystem name.
func (p EmbeddedPartition) FilesystemName() string {
	switch p.TypeCode {
	case consts.PART_TYPE_FAT32_CHS, consts.PART_TYPE_FAT32_LBA:
		return "FAT32"
	case consts.PART_TYPE_LINUX:
		return "Linux"
	case consts.PART_TYPE_EFI_SYSTEM:
		return "EFI"
	default:
		return "Unknown"
	}
}

// Structure is the complete analysis of one image. It is a pure function of
// the image bytes: analysing the same file twice yields equal structures.
type Structure struct {
	Path      string
	SizeBytes uint64

	HasISO9660  bool
	HasElTorito bool
	HasMBR      bool
	HasUEFI     bool

	EmbeddedPartitions []EmbeddedPartition
	BootFiles          []string

	Type Type
}

// HasEmbeddedPartitions reports whether the image carries at least one MBR
// partition entry with a non-zero type.
func (s *Structure) HasEmbeddedPartitions() bool {
	return len(s.EmbeddedPartitions) > 0
}

// HasLegacyBoot reports whether the image can boot on legacy BIOS firmware.
func (s *Structure) HasLegacyBoot() bool {
	return s.HasElTorito || s.Type == TypeHybrid
}

// IsMultiBoot reports whether the image boots both UEFI and legacy firmware.
func (s *Structure) IsMultiBoot() bool {
	return s.HasUEFI && s.HasLegacyBoot()
}

// BootTypeDescription renders the human-readable boot classification shown
// in analysis reports.
func (s *Structure) BootTypeDescription() string {
	switch {
	case s.IsMultiBoot():
		return "Multi-Boot (UEFI + Legacy)"
	case s.HasUEFI:
		return "UEFI Only"
	case s.HasElTorito:
		return "Legacy BIOS (El Torito)"
	case s.Type == TypeHybrid:
		return "Hybrid ISO"
	default:
		return "Data Only"
	}
}

// RecommendStrategy picks the construction strategy for the image. The first
// matching rule wins; persistence never changes the choice, only the layout
// arithmetic downstream.
func RecommendStrategy(s *Structure, withPersistence bool) Strategy {
	_ = withPersistence
	switch {
	case s.Type == TypeHybrid && s.HasEmbeddedPartitions():
		return HybridPreserve
	case s.IsMultiBoot() || len(s.EmbeddedPartitions) > 1:
		return MultiPart
	case s.HasUEFI || s.HasElTorito:
		return SmartExtract
	default:
		return RawCopy
	}
}

// RequiredPartitions computes how many partitions the chosen layout needs.
// The result is monotonically non-decreasing in withPersistence.
func RequiredPartitions(s *Structure, withPersistence bool) uint8 {
	n := 1
	if s.Type == TypeHybrid && s.HasEmbeddedPartitions() {
		n = len(s.EmbeddedPartitions)
	}
	if s.IsMultiBoot() || (s.HasUEFI && s.Type != TypeHybrid) {
		if n < 2 {
			n = 2
		}
	}
	if withPersistence {
		n++
	}
	return uint8(n)
}
