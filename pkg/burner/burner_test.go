package burner

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/image"
	"github.com/bgrewell/burn-kit/pkg/table"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func makeISO(t *testing.T, size int, hybrid bool) string {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	copy(data[32768+1:], "CD001")
	if hybrid {
		data[510] = 0x55
		data[511] = 0xAA
		off := 446
		data[off] = 0x80
		data[off+4] = 0x0C
		binary.LittleEndian.PutUint32(data[off+8:], 64)
		binary.LittleEndian.PutUint32(data[off+12:], uint32(size/512-64))
	} else {
		// CD001 only: no MBR signature survives at 510.
		data[510] = 0x00
		data[511] = 0x00
	}
	path := filepath.Join(t.TempDir(), "image.iso")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func makeDisk(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func analyzed(t *testing.T, isoPath string) *image.Structure {
	t.Helper()
	s, err := image.NewAnalyzer(nil).Analyze(isoPath)
	require.NoError(t, err)
	return s
}

func newConfig(t *testing.T, isoPath, diskPath string) *Config {
	s := analyzed(t, isoPath)
	return &Config{
		ImagePath:  isoPath,
		DevicePath: diskPath,
		Strategy:   image.RecommendStrategy(s, false),
		Structure:  s,
		TableType:  table.MBRTable,
	}
}

func TestRun_RawCopy(t *testing.T) {
	t.Run("device bytes equal image bytes after the run", func(t *testing.T) {
		isoPath := makeISO(t, 4*1024*1024, false)
		diskPath := makeDisk(t, 64*1024*1024)

		cfg := newConfig(t, isoPath, diskPath)
		require.Equal(t, image.RawCopy, cfg.Strategy)

		require.NoError(t, New(logr.Discard(), nil).Run(cfg))

		want, err := os.ReadFile(isoPath)
		require.NoError(t, err)
		got := make([]byte, len(want))
		f, err := os.Open(diskPath)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.ReadAt(got, 0)
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "device prefix must match image")
	})

	t.Run("image exactly the device size still raw-copies", func(t *testing.T) {
		isoPath := makeISO(t, 8*1024*1024, false)
		diskPath := makeDisk(t, 8*1024*1024)

		cfg := newConfig(t, isoPath, diskPath)
		require.NoError(t, New(logr.Discard(), nil).Run(cfg))
	})

	t.Run("hybrid image keeps its own boot signature", func(t *testing.T) {
		isoPath := makeISO(t, 4*1024*1024, true)
		diskPath := makeDisk(t, 64*1024*1024)

		cfg := newConfig(t, isoPath, diskPath)
		require.Equal(t, image.HybridPreserve, cfg.Strategy)
		require.NoError(t, New(logr.Discard(), nil).Run(cfg))

		got := make([]byte, 512)
		f, err := os.Open(diskPath)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.ReadAt(got, 0)
		require.NoError(t, err)
		require.Equal(t, byte(0x55), got[510])
		require.Equal(t, byte(0xAA), got[511])
	})
}

func TestRun_DeviceTooSmall(t *testing.T) {
	isoPath := makeISO(t, 8*1024*1024, false)
	diskPath := makeDisk(t, 4*1024*1024)

	before, err := os.ReadFile(diskPath)
	require.NoError(t, err)

	cfg := newConfig(t, isoPath, diskPath)
	err = New(logr.Discard(), nil).Run(cfg)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindDeviceTooSmall))

	after, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	require.Equal(t, before, after, "no bytes may be written before the size check fails")
}

func TestRun_InsufficientSpace(t *testing.T) {
	isoPath := makeISO(t, 8*1024*1024, false)
	diskPath := makeDisk(t, 16*1024*1024)

	before, err := os.ReadFile(diskPath)
	require.NoError(t, err)

	cfg := newConfig(t, isoPath, diskPath)
	cfg.Persistence = true
	cfg.PersistenceSizeMiB = 1024
	cfg.PersistenceFS = format.FSExt4

	err = New(logr.Discard(), nil).Run(cfg)
	require.Error(t, err)
	require.True(t, errdefs.IsKind(err, errdefs.KindInsufficientSpace))

	after, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	require.Equal(t, before, after, "no bytes may be written before the space check fails")
}

func TestRun_IsPartitionTarget(t *testing.T) {
	isoPath := makeISO(t, 4*1024*1024, false)

	cfg := &Config{
		ImagePath:  isoPath,
		DevicePath: "/dev/sdb3",
		Strategy:   image.RawCopy,
		Structure:  analyzed(t, isoPath),
	}
	err := New(logr.Discard(), nil).Run(cfg)
	require.Error(t, err)
	be, ok := errdefs.AsBurnError(err)
	require.True(t, ok)
	require.Equal(t, errdefs.KindIsPartition, be.Kind)
	require.Equal(t, "/dev/sdb", be.SuggestedBase)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	isoPath := makeISO(t, 4*1024*1024, false)
	diskPath := makeDisk(t, 64*1024*1024)

	before, err := os.ReadFile(diskPath)
	require.NoError(t, err)

	cfg := newConfig(t, isoPath, diskPath)
	cfg.DryRun = true
	require.NoError(t, New(logr.Discard(), nil).Run(cfg))

	after, err := os.ReadFile(diskPath)
	require.NoError(t, err)
	require.Equal(t, before, after, "dry run must not touch the device")
}

func TestConfigHelpers(t *testing.T) {
	t.Run("persistence label follows the filesystem", func(t *testing.T) {
		c := &Config{PersistenceFS: format.FSExt4}
		require.Equal(t, "casper-rw", c.PersistenceLabel())
		require.Equal(t, byte(0x83), c.PersistenceTypeCode())

		c.PersistenceFS = format.FSFAT32
		require.Equal(t, "PERSISTENCE", c.PersistenceLabel())
		require.Equal(t, byte(0x0C), c.PersistenceTypeCode())
	})

	t.Run("alignUp rounds to the 1 MiB unit", func(t *testing.T) {
		require.Equal(t, uint64(0), alignUp(0))
		require.Equal(t, uint64(2048), alignUp(1))
		require.Equal(t, uint64(2048), alignUp(2048))
		require.Equal(t, uint64(4096), alignUp(2049))
	})
}
