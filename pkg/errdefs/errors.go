package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a burn failure. Exactly one kind applies to any error
// produced by this module.
type Kind int

const (
	KindUnexpected Kind = iota
	KindPermission
	KindInvalidDevice
	KindIsPartition
	KindInvalidImage
	KindDeviceTooSmall
	KindInsufficientSpace
	KindTableFull
	KindWriteFailed
	KindReadFailed
	KindVerifyFailed
	KindPartitionNotPresent
	KindUnsupportedFilesystem
	KindBootloaderInstallFailed
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission denied"
	case KindInvalidDevice:
		return "invalid device"
	case KindIsPartition:
		return "device is a partition"
	case KindInvalidImage:
		return "invalid image"
	case KindDeviceTooSmall:
		return "device too small"
	case KindInsufficientSpace:
		return "insufficient space"
	case KindTableFull:
		return "partition table full"
	case KindWriteFailed:
		return "write failed"
	case KindReadFailed:
		return "read failed"
	case KindVerifyFailed:
		return "verification failed"
	case KindPartitionNotPresent:
		return "partition not present"
	case KindUnsupportedFilesystem:
		return "unsupported filesystem"
	case KindBootloaderInstallFailed:
		return "bootloader install failed"
	default:
		return "unexpected error"
	}
}

// SpaceDetails carries the structured breakdown attached to an
// insufficient-space failure so callers can print an actionable report.
type SpaceDetails struct {
	DeviceMiB         uint64
	ImageMiB          uint64
	RequestedMiB      uint64
	RequiredMiB       uint64
	ShortageMiB       uint64
	MaxPersistenceMiB int64
}

func (d SpaceDetails) String() string {
	s := fmt.Sprintf("device %d MiB, image %d MiB, requested persistence %d MiB, required %d MiB, shortage %d MiB",
		d.DeviceMiB, d.ImageMiB, d.RequestedMiB, d.RequiredMiB, d.ShortageMiB)
	if d.MaxPersistenceMiB >= 512 {
		s += fmt.Sprintf(", maximum persistence available %d MiB", d.MaxPersistenceMiB)
	} else {
		s += ", device too small for persistence (minimum 512 MiB required)"
	}
	return s
}

// BurnError is the single error type produced by the construction engine.
type BurnError struct {
	Kind Kind

	// Where names the device, image or partition the failure concerns.
	Where string

	// SuggestedBase is set for KindIsPartition and names the whole-disk
	// device the caller most likely intended.
	SuggestedBase string

	// Space is set for KindInsufficientSpace.
	Space *SpaceDetails

	msg   string
	cause error
}

func (e *BurnError) Error() string {
	s := e.Kind.String()
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.Where != "" {
		s += " (" + e.Where + ")"
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *BurnError) Unwrap() error { return e.cause }

// New creates a BurnError of the given kind.
func New(kind Kind, where, msg string) *BurnError {
	return &BurnError{Kind: kind, Where: where, msg: msg}
}

// Wrap creates a BurnError of the given kind wrapping cause. A nil cause
// yields a plain BurnError.
func Wrap(kind Kind, where, msg string, cause error) *BurnError {
	return &BurnError{Kind: kind, Where: where, msg: msg, cause: cause}
}

// IsPartition builds the error returned when the target path names a
// partition instead of a whole disk.
func IsPartition(path, suggestedBase string) *BurnError {
	return &BurnError{
		Kind:          KindIsPartition,
		Where:         path,
		SuggestedBase: suggestedBase,
		msg:           "use the whole-disk device " + suggestedBase,
	}
}

// InsufficientSpace builds the structured error raised when the device
// cannot hold the image plus the requested persistence.
func InsufficientSpace(where string, details SpaceDetails) *BurnError {
	return &BurnError{
		Kind:  KindInsufficientSpace,
		Where: where,
		Space: &details,
		msg:   details.String(),
	}
}

// KindOf reports the kind of err, or KindUnexpected if err is not a
// BurnError.
func KindOf(err error) Kind {
	var be *BurnError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err is a BurnError of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *BurnError
	return errors.As(err, &be) && be.Kind == kind
}

// AsBurnError extracts the BurnError from err, if any.
func AsBurnError(err error) (*BurnError, bool) {
	var be *BurnError
	ok := errors.As(err, &be)
	return be, ok
}
