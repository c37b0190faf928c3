package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/stretchr/testify/require"
)

func TestClassifyPath(t *testing.T) {
	cases := []struct {
		path string
		kind PathKind
		base string
	}{
		{"/dev/sdb", WholeDisk, ""},
		{"/dev/sdb1", IsPartition, "/dev/sdb"},
		{"/dev/sdb12", IsPartition, "/dev/sdb"},
		{"/dev/nvme0n1", WholeDisk, ""},
		{"/dev/nvme0n1p3", IsPartition, "/dev/nvme0n1"},
		{"/dev/nvme1n2", WholeDisk, ""},
		{"/dev/mmcblk0", WholeDisk, ""},
		{"/dev/mmcblk0p1", IsPartition, "/dev/mmcblk0"},
		{"/dev/loop0", WholeDisk, ""},
		{"/dev/loop0p1", IsPartition, "/dev/loop0"},
		{"/dev/vda", WholeDisk, ""},
		{"/dev/vda7", IsPartition, "/dev/vda"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			kind, base := ClassifyPath(tc.path)
			require.Equal(t, tc.kind, kind)
			require.Equal(t, tc.base, base)
		})
	}
}

func TestPartitionPath(t *testing.T) {
	require.Equal(t, "/dev/sdb1", PartitionPath("/dev/sdb", 1))
	require.Equal(t, "/dev/sdb3", PartitionPath("/dev/sdb", 3))
	require.Equal(t, "/dev/nvme0n1p2", PartitionPath("/dev/nvme0n1", 2))
	require.Equal(t, "/dev/mmcblk0p1", PartitionPath("/dev/mmcblk0", 1))
	require.Equal(t, "/dev/loop7p2", PartitionPath("/dev/loop7", 2))
}

func TestValidate(t *testing.T) {
	t.Run("partition path is rejected with a suggestion", func(t *testing.T) {
		d := New("/dev/sdb3", nil, nil)
		err := d.Validate()
		require.Error(t, err)
		be, ok := errdefs.AsBurnError(err)
		require.True(t, ok)
		require.Equal(t, errdefs.KindIsPartition, be.Kind)
		require.Equal(t, "/dev/sdb", be.SuggestedBase)
	})

	t.Run("missing path is an invalid device", func(t *testing.T) {
		d := New(filepath.Join(t.TempDir(), "absent"), nil, nil)
		err := d.Validate()
		require.Error(t, err)
		require.True(t, errdefs.IsKind(err, errdefs.KindInvalidDevice))
	})

	t.Run("regular file is tolerated as a disk image", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk.img")
		require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))
		d := New(path, nil, nil)
		require.NoError(t, d.Validate())
	})
}

func TestSizeBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(32*1024*1024))
	require.NoError(t, f.Close())

	d := New(path, nil, nil)
	size, err := d.SizeBytes()
	require.NoError(t, err)
	require.Equal(t, uint64(32*1024*1024), size)
}

func TestWipe(t *testing.T) {
	t.Run("head and tail windows are zeroed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk.img")
		data := make([]byte, 32*1024*1024)
		for i := range data {
			data[i] = 0xAB
		}
		require.NoError(t, os.WriteFile(path, data, 0o644))

		d := New(path, nil, nil)
		require.NoError(t, d.Wipe())

		got, err := os.ReadFile(path)
		require.NoError(t, err)

		for _, off := range []int{0, 511, 5 * 1024 * 1024, 10*1024*1024 - 1} {
			require.Zero(t, got[off], "head byte %d", off)
		}
		for _, off := range []int{len(got) - 1, len(got) - 10*1024*1024} {
			require.Zero(t, got[off], "tail byte %d", off)
		}
		// The middle survives.
		require.Equal(t, byte(0xAB), got[15*1024*1024])
	})

	t.Run("device smaller than the window is fully zeroed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "disk.img")
		data := make([]byte, 4*1024*1024)
		for i := range data {
			data[i] = 0xCD
		}
		require.NoError(t, os.WriteFile(path, data, 0o644))

		d := New(path, nil, nil)
		require.NoError(t, d.Wipe())

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		for _, off := range []int{0, len(got) / 2, len(got) - 1} {
			require.Zero(t, got[off])
		}
	})
}

func TestIsAnyPartitionMounted(t *testing.T) {
	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte(
		"/dev/sda1 / ext4 rw 0 0\n"+
			"/dev/sdb1 /mnt/usb vfat rw 0 0\n"+
			"tmpfs /tmp tmpfs rw 0 0\n"), 0o644))

	mounted, err := anyMountedUnder("/dev/sdb", mounts)
	require.NoError(t, err)
	require.True(t, mounted)

	mounted, err = anyMountedUnder("/dev/sdc", mounts)
	require.NoError(t, err)
	require.False(t, mounted)
}
