package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksum_KnownVector(t *testing.T) {
	// Standard check value for the 0xEDB88320 polynomial.
	require.Equal(t, uint32(0xCBF43926), Checksum([]byte("123456789")))
}

func TestGPTHeader_MarshalRoundTrip(t *testing.T) {
	const sectors = 8 * 1024 * 2048 // 8 GiB in 512-byte sectors

	h, err := NewGPTHeader(sectors)
	require.NoError(t, err)

	raw, err := h.Marshal()
	require.NoError(t, err)
	require.Len(t, raw, 512)

	var h2 GPTHeader
	require.NoError(t, h2.Unmarshal(raw))

	require.Equal(t, "EFI PART", string(h2.Signature[:]))
	require.Equal(t, h.DiskGUID, h2.DiskGUID)
	require.Equal(t, uint64(sectors-1), h2.BackupLBA)
	require.Equal(t, uint32(128), h2.NumPartitionEntries)
	require.Equal(t, uint32(128), h2.PartitionEntrySize)
	require.Equal(t, h.HeaderCRC32, h2.HeaderCRC32)
	require.True(t, h2.VerifyCRC())

	// Corrupting any covered field must break the checksum.
	h2.BackupLBA++
	require.False(t, h2.VerifyCRC())
}

func TestGPTHeader_DistinctGUIDs(t *testing.T) {
	a, err := NewGPTHeader(1 << 20)
	require.NoError(t, err)
	b, err := NewGPTHeader(1 << 20)
	require.NoError(t, err)
	require.NotEqual(t, a.DiskGUID, b.DiskGUID)
}
