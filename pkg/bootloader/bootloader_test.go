package bootloader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func imageWith(t *testing.T, marker string) string {
	t.Helper()
	data := make([]byte, 40*1024)
	copy(data[100:], marker)
	path := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDetect(t *testing.T) {
	t.Run("isolinux marker selects syslinux", func(t *testing.T) {
		bt, err := Detect(imageWith(t, "ISOLINUX"))
		require.NoError(t, err)
		require.Equal(t, Syslinux, bt)
	})

	t.Run("grub marker selects grub", func(t *testing.T) {
		bt, err := Detect(imageWith(t, "GRUB"))
		require.NoError(t, err)
		require.Equal(t, Grub, bt)
	})

	t.Run("syslinux wins when both markers are present", func(t *testing.T) {
		path := imageWith(t, "GRUB")
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte("SYSLINUX"), 2000)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		bt, err := Detect(path)
		require.NoError(t, err)
		require.Equal(t, Syslinux, bt)
	})

	t.Run("no marker defaults to syslinux", func(t *testing.T) {
		bt, err := Detect(imageWith(t, ""))
		require.NoError(t, err)
		require.Equal(t, Syslinux, bt)
	})

	t.Run("marker past the detection window is ignored", func(t *testing.T) {
		data := make([]byte, 64*1024)
		copy(data[40*1024:], "GRUB")
		path := filepath.Join(t.TempDir(), "image.iso")
		require.NoError(t, os.WriteFile(path, data, 0o644))

		bt, err := Detect(path)
		require.NoError(t, err)
		require.Equal(t, Syslinux, bt)
	})
}

func TestInstallConfig(t *testing.T) {
	t.Run("syslinux tree and menu entries", func(t *testing.T) {
		dir := t.TempDir()
		in := NewInstaller(nil, nil)
		require.NoError(t, in.InstallConfig(dir, Syslinux))

		raw, err := os.ReadFile(filepath.Join(dir, "syslinux", "syslinux.cfg"))
		require.NoError(t, err)
		cfg := string(raw)

		// Count LABEL directives at the start of a line; the indented
		// "MENU LABEL" lines inside each entry are not entries of their own.
		require.Equal(t, 2, strings.Count(cfg, "\nLABEL "), "exactly two menu entries")
		require.Contains(t, cfg, "KERNEL /casper/vmlinuz")
		require.Contains(t, cfg, "boot=casper quiet splash")
		require.Contains(t, cfg, "boot=casper persistent quiet splash")
		require.NotContains(t, cfg, "\r\n", "config must use LF line endings")
	})

	t.Run("grub tree and menu entries", func(t *testing.T) {
		dir := t.TempDir()
		in := NewInstaller(nil, nil)
		require.NoError(t, in.InstallConfig(dir, Grub))

		raw, err := os.ReadFile(filepath.Join(dir, "boot", "grub", "grub.cfg"))
		require.NoError(t, err)
		cfg := string(raw)

		require.Equal(t, 2, strings.Count(cfg, "menuentry "))
		require.Contains(t, cfg, "linux /casper/vmlinuz boot=casper quiet splash")
		require.Contains(t, cfg, "persistent quiet splash")
		require.Contains(t, cfg, "initrd /casper/initrd")
	})
}

func TestWriteMBRStub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	disk := make([]byte, 1024*1024)
	for i := range disk {
		disk[i] = 0xEE
	}
	require.NoError(t, os.WriteFile(path, disk, 0o644))

	in := NewInstaller(nil, nil)
	require.NoError(t, in.WriteMBRStub(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, mbrStub, raw[:len(mbrStub)])
	// Remainder of the code area is zeroed, but the disk signature and
	// partition table bytes at 440.. stay untouched.
	for i := len(mbrStub); i < 440; i++ {
		require.Zero(t, raw[i], "byte %d", i)
	}
	require.Equal(t, byte(0xEE), raw[440])
	require.Equal(t, byte(0xEE), raw[510])
}
