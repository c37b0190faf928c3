package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/require"
)

// buildISO writes a small real ISO 9660 image with the given files.
func buildISO(t *testing.T, files map[string]string) string {
	t.Helper()
	w, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer w.Cleanup()

	for name, content := range files {
		require.NoError(t, w.AddFile(strings.NewReader(content), name))
	}

	path := filepath.Join(t.TempDir(), "image.iso")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteTo(f, "TESTVOL"))
	require.NoError(t, f.Close())
	return path
}

func TestExtractTo(t *testing.T) {
	isoPath := buildISO(t, map[string]string{
		"readme.txt":          "hello",
		"casper/vmlinuz":      "kernel bytes",
		"casper/initrd":       "initrd bytes",
		"boot/grub/grub.cfg":  "set timeout=10\n",
		"efi/boot/bootx64.efi": "efi stub",
	})

	dest := t.TempDir()
	e := NewExtractor(nil, nil)
	require.NoError(t, e.ExtractTo(isoPath, dest))

	// ISO 9660 level-1 names come back upper-cased without Rock Ridge, so
	// compare case-insensitively on what landed.
	found := map[string]string{}
	require.NoError(t, filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		found[strings.ToLower(rel)] = string(raw)
		return nil
	}))

	require.Len(t, found, 5)
	require.Equal(t, "hello", found["readme.txt"])
	require.Equal(t, "kernel bytes", found["casper/vmlinuz"])
	require.Equal(t, "set timeout=10\n", found["boot/grub/grub.cfg"])
}

func TestExtractTo_NotAnISO(t *testing.T) {
	junk := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(junk, make([]byte, 100000), 0o644))

	// Parsing fails and the loopback fallback cannot mount a zero image
	// either, so the extraction errors out rather than writing garbage.
	e := NewExtractor(nil, nil)
	require.Error(t, e.ExtractTo(junk, t.TempDir()))
}
