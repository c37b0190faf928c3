package format

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/stretchr/testify/require"
)

func newTarget(t *testing.T, sizeMiB int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(sizeMiB*1024*1024))
	require.NoError(t, f.Close())
	return path
}

func TestParseFSType(t *testing.T) {
	require.Equal(t, FSExt4, ParseFSType("ext4"))
	require.Equal(t, FSExt4, ParseFSType("EXT4"))
	require.Equal(t, FSNTFS, ParseFSType("ntfs"))
	require.Equal(t, FSFAT32, ParseFSType("FAT32"))
	require.Equal(t, FSFAT64, ParseFSType("fat64"))
	require.Equal(t, FSExFAT, ParseFSType("exFAT"))
	require.Equal(t, FSUnknown, ParseFSType("btrfs"))
	require.False(t, Supported(FSUnknown))
}

func TestCreate_UnsupportedFilesystem(t *testing.T) {
	fm := NewFormatter(nil)
	err := fm.Create(FSUnknown, newTarget(t, 8), "X")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindUnsupportedFilesystem))
}

func TestFAT32_Layout(t *testing.T) {
	path := newTarget(t, 64)
	fm := NewFormatter(nil)
	require.NoError(t, fm.Create(FSFAT32, path, "BURNKIT"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("boot sector identity", func(t *testing.T) {
		require.Equal(t, []byte{0xEB, 0x58, 0x90}, raw[0:3])
		require.Equal(t, "MSWIN4.1", string(raw[3:11]))
		require.Equal(t, uint16(512), binary.LittleEndian.Uint16(raw[11:13]))
		require.Equal(t, byte(8), raw[13])
		require.Equal(t, uint16(32), binary.LittleEndian.Uint16(raw[14:16]))
		require.Equal(t, byte(2), raw[16])
		require.Equal(t, "FAT32   ", string(raw[82:90]))
		require.Equal(t, byte(0x55), raw[510])
		require.Equal(t, byte(0xAA), raw[511])
		require.Equal(t, "BURNKIT    ", string(raw[71:82]))
	})

	t.Run("FAT size formula", func(t *testing.T) {
		sectors := uint32(64 * 1024 * 1024 / 512)
		want := (sectors - 32 + 2050 - 1) / 2050
		require.Equal(t, want, binary.LittleEndian.Uint32(raw[36:40]))
		require.Equal(t, sectors, binary.LittleEndian.Uint32(raw[32:36]))
	})

	t.Run("backup boot sector matches primary", func(t *testing.T) {
		require.Equal(t, raw[0:512], raw[6*512:7*512])
	})

	t.Run("FSInfo at sectors 1 and 7", func(t *testing.T) {
		for _, lba := range []int{1, 7} {
			fsi := raw[lba*512 : (lba+1)*512]
			require.Equal(t, uint32(0x41615252), binary.LittleEndian.Uint32(fsi[0:4]))
			require.Equal(t, uint32(0x61417272), binary.LittleEndian.Uint32(fsi[484:488]))
			require.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(fsi[488:492]))
			require.Equal(t, uint32(0xAA550000), binary.LittleEndian.Uint32(fsi[508:512]))
		}
	})

	t.Run("FAT entries 0..2 and mirror", func(t *testing.T) {
		fatSize := binary.LittleEndian.Uint32(raw[36:40])
		for _, start := range []uint32{32, 32 + fatSize} {
			fat := raw[start*512 : start*512+12]
			require.Equal(t, uint32(0x0FFFFFF8), binary.LittleEndian.Uint32(fat[0:4]))
			require.Equal(t, uint32(0x0FFFFFFF), binary.LittleEndian.Uint32(fat[4:8]))
			require.Equal(t, uint32(0x0FFFFFFF), binary.LittleEndian.Uint32(fat[8:12]))
		}
	})
}

func TestFAT32_TooSmall(t *testing.T) {
	fm := NewFormatter(nil)
	err := fm.Create(FSFAT32, newTarget(t, 1), "X")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindDeviceTooSmall))
}

func TestExt4_SuperblockIdentity(t *testing.T) {
	path := newTarget(t, 64)
	fm := NewFormatter(nil)
	require.NoError(t, fm.Create(FSExt4, path, "casper-rw"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("magic at absolute offset 1080", func(t *testing.T) {
		require.Equal(t, uint16(0xEF53), binary.LittleEndian.Uint16(raw[1080:1082]))
	})

	t.Run("geometry and feature flags", func(t *testing.T) {
		sb := raw[1024:2048]
		require.Equal(t, uint32(64*1024*1024/4096), binary.LittleEndian.Uint32(sb[4:8]))
		require.Equal(t, uint32(2), binary.LittleEndian.Uint32(sb[24:28]))
		require.Equal(t, uint32(32768), binary.LittleEndian.Uint32(sb[32:36]))
		require.Equal(t, uint32(8192), binary.LittleEndian.Uint32(sb[40:44]))
		require.Equal(t, uint32(11), binary.LittleEndian.Uint32(sb[84:88]))
		require.Equal(t, uint16(256), binary.LittleEndian.Uint16(sb[88:90]))
		require.Equal(t, uint32(1), binary.LittleEndian.Uint32(sb[76:80]))
		require.Equal(t, uint32(0x38), binary.LittleEndian.Uint32(sb[92:96]))
		require.Equal(t, uint32(0x2C2), binary.LittleEndian.Uint32(sb[96:100]))
		require.Equal(t, uint32(0x7B), binary.LittleEndian.Uint32(sb[100:104]))
	})

	t.Run("label", func(t *testing.T) {
		sb := raw[1024:2048]
		require.Equal(t, "casper-rw", string(sb[120:129]))
	})

	t.Run("distinct UUIDs across formats", func(t *testing.T) {
		other := newTarget(t, 64)
		require.NoError(t, fm.Create(FSExt4, other, "casper-rw"))
		raw2, err := os.ReadFile(other)
		require.NoError(t, err)
		require.NotEqual(t, raw[1128:1144], raw2[1128:1144])
	})
}

func TestExt4_TooSmall(t *testing.T) {
	fm := NewFormatter(nil)
	err := fm.Create(FSExt4, newTarget(t, 2), "X")
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindDeviceTooSmall))
}

func TestNTFS_BootSector(t *testing.T) {
	path := newTarget(t, 64)
	fm := NewFormatter(nil)
	require.NoError(t, fm.Create(FSNTFS, path, "PERSISTENCE"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	sectors := uint64(64 * 1024 * 1024 / 512)
	require.Equal(t, []byte{0xEB, 0x52, 0x90}, raw[0:3])
	require.Equal(t, "NTFS    ", string(raw[3:11]))
	require.Equal(t, uint16(512), binary.LittleEndian.Uint16(raw[11:13]))
	require.Equal(t, byte(8), raw[13])
	require.Equal(t, byte(0xF8), raw[21])
	require.Equal(t, sectors, binary.LittleEndian.Uint64(raw[40:48]))
	require.Equal(t, sectors/2, binary.LittleEndian.Uint64(raw[48:56]))
	require.Equal(t, sectors-1, binary.LittleEndian.Uint64(raw[56:64]))
	require.Equal(t, int8(-10), int8(raw[64]))
	require.Equal(t, byte(1), raw[68])
	require.NotZero(t, binary.LittleEndian.Uint64(raw[72:80]))
	require.Equal(t, byte(0x55), raw[510])
	require.Equal(t, byte(0xAA), raw[511])
}

func TestExFATAliasesToFAT32(t *testing.T) {
	path := newTarget(t, 64)
	fm := NewFormatter(nil)
	require.NoError(t, fm.Create(FSExFAT, path, "PERSISTENCE"))

	raw := make([]byte, 90)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadAt(raw, 0)
	require.NoError(t, err)
	require.Equal(t, "FAT32   ", string(raw[82:90]))
}
