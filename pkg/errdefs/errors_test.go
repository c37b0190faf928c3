package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(KindWriteFailed, "/dev/sdb", "short write")
	require.True(t, IsKind(err, KindWriteFailed))
	require.False(t, IsKind(err, KindReadFailed))
	require.Equal(t, KindWriteFailed, KindOf(err))

	t.Run("matching survives wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("burn failed: %w", err)
		require.True(t, IsKind(wrapped, KindWriteFailed))
		require.Equal(t, KindWriteFailed, KindOf(wrapped))
	})

	t.Run("foreign errors are unexpected", func(t *testing.T) {
		require.Equal(t, KindUnexpected, KindOf(errors.New("boom")))
		require.False(t, IsKind(nil, KindWriteFailed))
	})
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("EIO")
	err := Wrap(KindReadFailed, "/dev/sdb", "read failed", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "read failed")
	require.Contains(t, err.Error(), "/dev/sdb")
	require.Contains(t, err.Error(), "EIO")
}

func TestIsPartitionError(t *testing.T) {
	err := IsPartition("/dev/sdb3", "/dev/sdb")
	be, ok := AsBurnError(err)
	require.True(t, ok)
	require.Equal(t, KindIsPartition, be.Kind)
	require.Equal(t, "/dev/sdb3", be.Where)
	require.Equal(t, "/dev/sdb", be.SuggestedBase)
}

func TestInsufficientSpaceDetails(t *testing.T) {
	t.Run("with room for smaller persistence", func(t *testing.T) {
		err := InsufficientSpace("/dev/sdb", SpaceDetails{
			DeviceMiB:         4096,
			ImageMiB:          3072,
			RequestedMiB:      2048,
			RequiredMiB:       5420,
			ShortageMiB:       1324,
			MaxPersistenceMiB: 724,
		})
		be, ok := AsBurnError(err)
		require.True(t, ok)
		require.NotNil(t, be.Space)
		require.Equal(t, uint64(1324), be.Space.ShortageMiB)
		require.Contains(t, err.Error(), "maximum persistence available 724 MiB")
	})

	t.Run("device too small for any persistence", func(t *testing.T) {
		err := InsufficientSpace("/dev/sdb", SpaceDetails{
			DeviceMiB:         1024,
			ImageMiB:          900,
			RequestedMiB:      512,
			RequiredMiB:       1712,
			ShortageMiB:       688,
			MaxPersistenceMiB: -176,
		})
		require.Contains(t, err.Error(), "device too small for persistence (minimum 512 MiB required)")
	})
}
