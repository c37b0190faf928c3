package burner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bgrewell/burn-kit/pkg/bootloader"
	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/device"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/extract"
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/hostcmd"
	"github.com/bgrewell/burn-kit/pkg/image"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"github.com/bgrewell/burn-kit/pkg/options"
	"github.com/bgrewell/burn-kit/pkg/stream"
	"github.com/bgrewell/burn-kit/pkg/table"
	"github.com/go-logr/logr"
)

// settleAttempts bounds the wait for a child partition node to appear after
// a table commit.
const settleAttempts = 10

// Burner sequences the pipeline for one run: prepare, wipe, partition,
// format, populate, bootloader, finalise. It owns no state beyond its
// collaborators; the per-run state lives in the Config.
type Burner struct {
	log       *logging.Logger
	host      *hostcmd.Runner
	streamer  *stream.Streamer
	formatter *format.Formatter
	extractor *extract.Extractor
	installer *bootloader.Installer
	progress  options.ProgressCallback
}

// New assembles a Burner from a logr logger and an optional progress
// callback.
func New(log logr.Logger, progress options.ProgressCallback) *Burner {
	l := logging.NewLogger(log)
	host := hostcmd.NewRunner(l)
	return &Burner{
		log:       l,
		host:      host,
		streamer:  stream.NewStreamer(l),
		formatter: format.NewFormatter(l),
		extractor: extract.NewExtractor(l, host),
		installer: bootloader.NewInstaller(l, host),
		progress:  progress,
	}
}

// Run executes the full pipeline for cfg. On error the device is left in an
// explicitly undefined state; on success everything has been fsynced and a
// global sync issued.
func (b *Burner) Run(cfg *Config) error {
	dev := device.New(cfg.DevicePath, b.log, b.host)
	if err := dev.Validate(); err != nil {
		return err
	}

	deviceBytes, err := dev.SizeBytes()
	if err != nil {
		return err
	}
	if cfg.Structure.SizeBytes > deviceBytes {
		return errdefs.New(errdefs.KindDeviceTooSmall, cfg.DevicePath,
			fmt.Sprintf("image is %d bytes, device only %d", cfg.Structure.SizeBytes, deviceBytes))
	}

	persistMiB := uint64(0)
	if cfg.Persistence {
		persistMiB = NormalizePersistence(cfg.PersistenceSizeMiB, b.log)
		if err := CheckSpace(cfg.DevicePath, deviceBytes, cfg.Structure.SizeBytes, persistMiB); err != nil {
			return err
		}
	}

	b.log.Info("burn plan ready",
		"image", cfg.ImagePath,
		"device", cfg.DevicePath,
		"strategy", cfg.Strategy,
		"table", cfg.TableType,
		"fast", cfg.FastMode,
		"persistence", persistMiB)

	if cfg.DryRun {
		b.reportDryRun(cfg, deviceBytes, persistMiB)
		return nil
	}

	if err := dev.UnmountAll(); err != nil {
		return err
	}
	if err := dev.Wipe(); err != nil {
		return err
	}

	switch cfg.Strategy {
	case image.HybridPreserve:
		err = b.runHybridPreserve(cfg, dev, persistMiB)
	case image.SmartExtract:
		err = b.runSmartExtract(cfg, dev, persistMiB)
	case image.MultiPart:
		err = b.runMultiPart(cfg, dev, persistMiB)
	default:
		err = b.runRawCopy(cfg, dev)
	}
	if err != nil {
		return err
	}

	if err := dev.Sync(); err != nil {
		return err
	}
	b.log.Info("bootable device created", "device", cfg.DevicePath)
	return nil
}

func (b *Burner) streamMode(cfg *Config) stream.Mode {
	if cfg.FastMode {
		return stream.Fast
	}
	return stream.Raw
}

// runRawCopy streams the image end to end. No bootloader is installed: a
// hybrid image brings its own MBR, and an image without boot structures
// cannot be made bootable by a stub pointing at partitions that do not
// exist.
func (b *Burner) runRawCopy(cfg *Config, dev *device.Device) error {
	_, err := b.streamer.WriteRaw(cfg.ImagePath, cfg.DevicePath, b.streamMode(cfg), b.progress)
	return err
}

// runHybridPreserve streams the image verbatim, keeping its embedded
// partition table, then appends a persistence partition after the image's
// last used sector when one was requested.
func (b *Burner) runHybridPreserve(cfg *Config, dev *device.Device, persistMiB uint64) error {
	if _, err := b.streamer.WriteRaw(cfg.ImagePath, cfg.DevicePath, b.streamMode(cfg), b.progress); err != nil {
		return err
	}
	if !cfg.Persistence {
		return nil
	}

	err := b.appendPersistencePartition(cfg, dev, persistMiB)
	if err == nil {
		return nil
	}
	if !fallbackEligible(err) {
		return err
	}

	b.log.Error(err, "persistence partition failed, falling back to file-based persistence")
	part1 := device.PartitionPath(cfg.DevicePath, 1)
	return b.filePersistenceOnPartition(part1, persistMiB)
}

func (b *Burner) appendPersistencePartition(cfg *Config, dev *device.Device, persistMiB uint64) error {
	// Give the kernel a chance to see the image's own table first.
	b.settle(cfg.DevicePath, dev)

	w, err := table.Open(cfg.DevicePath, table.MBRTable, b.log)
	if err != nil {
		return err
	}
	defer w.Close()

	m, err := w.ReadMBR()
	if err != nil {
		return err
	}

	// The new partition starts after both the streamed image bytes and the
	// image's own last partition, aligned up.
	lastUsed := cfg.ImageSectors()
	slot := 0
	for i := range m.Partitions {
		e := &m.Partitions[i]
		if e.Empty() {
			continue
		}
		slot = i + 1
		if end := uint64(e.FirstLBA) + uint64(e.SectorCount); end > lastUsed {
			lastUsed = end
		}
	}

	start := alignUp(lastUsed)
	count := persistMiB * mib / consts.SECTOR_SIZE
	if err := w.AddMBRPartition(uint32(start), uint32(count), cfg.PersistenceTypeCode(), false); err != nil {
		return err
	}
	if err := w.Commit(); err != nil {
		return err
	}
	w.Close()

	persistPath := device.PartitionPath(cfg.DevicePath, slot+1)
	if err := b.settleAndWait(cfg.DevicePath, dev, persistPath); err != nil {
		return err
	}
	return b.formatter.Create(cfg.PersistenceFS, persistPath, cfg.PersistenceLabel())
}

// runSmartExtract builds a fresh bootable FAT32 layout and copies the
// image's files into it.
func (b *Burner) runSmartExtract(cfg *Config, dev *device.Device, persistMiB uint64) error {
	layout, err := b.partitionDevice(cfg, dev, false, persistMiB)
	if err != nil {
		return err
	}
	return b.formatAndPopulate(cfg, dev, layout, persistMiB)
}

// runMultiPart lays out an EFI system partition ahead of the data partition
// for images that boot both firmware families.
func (b *Burner) runMultiPart(cfg *Config, dev *device.Device, persistMiB uint64) error {
	layout, err := b.partitionDevice(cfg, dev, cfg.Structure.HasUEFI, persistMiB)
	if err != nil {
		return err
	}
	return b.formatAndPopulate(cfg, dev, layout, persistMiB)
}

// layout records where partitionDevice put everything.
type layout struct {
	espIndex     int // 0 when absent
	dataIndex    int
	persistIndex int // 0 when absent
}

func (b *Burner) partitionDevice(cfg *Config, dev *device.Device, withESP bool, persistMiB uint64) (*layout, error) {
	if cfg.TableType == table.GPTTable {
		// Data partitions are carried as MBR entries; see DESIGN.md.
		b.log.Info("partitioned strategies use an MBR layout, overriding table choice",
			"requested", cfg.TableType)
	}

	w, err := table.Open(cfg.DevicePath, table.MBRTable, b.log)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	if err := w.CreateMBR(); err != nil {
		return nil, err
	}

	lay := &layout{}
	cursor := uint64(consts.FIRST_PARTITION_LBA)
	index := 1

	uefiOnly := cfg.Structure.HasUEFI && !cfg.Structure.HasLegacyBoot()

	if withESP {
		espSectors := uint64(consts.ESP_SIZE_MIB) * mib / consts.SECTOR_SIZE
		if err := w.AddMBRPartition(uint32(cursor), uint32(espSectors), consts.PART_TYPE_EFI_SYSTEM, uefiOnly); err != nil {
			return nil, err
		}
		lay.espIndex = index
		index++
		cursor += espSectors
	}

	dataSectors := alignUp(cfg.ImageSectors() + 4096)
	if err := w.AddMBRPartition(uint32(cursor), uint32(dataSectors), consts.PART_TYPE_FAT32_LBA, !uefiOnly); err != nil {
		return nil, err
	}
	lay.dataIndex = index
	index++
	cursor += dataSectors

	if cfg.Persistence {
		count := persistMiB * mib / consts.SECTOR_SIZE
		if err := w.AddMBRPartition(uint32(cursor), uint32(count), cfg.PersistenceTypeCode(), false); err != nil {
			return nil, err
		}
		lay.persistIndex = index
	}

	if err := w.Commit(); err != nil {
		return nil, err
	}
	w.Close()

	first := device.PartitionPath(cfg.DevicePath, 1)
	if err := b.settleAndWait(cfg.DevicePath, dev, first); err != nil {
		return nil, err
	}
	return lay, nil
}

func (b *Burner) formatAndPopulate(cfg *Config, dev *device.Device, lay *layout, persistMiB uint64) error {
	label := cfg.DataLabel
	if label == "" {
		label = consts.DATA_PARTITION_LABEL
	}

	if lay.espIndex > 0 {
		espPath := device.PartitionPath(cfg.DevicePath, lay.espIndex)
		if err := b.formatter.Create(format.FSFAT32, espPath, consts.ESP_PARTITION_LABEL); err != nil {
			return err
		}
	}

	dataPath := device.PartitionPath(cfg.DevicePath, lay.dataIndex)
	if err := b.formatter.Create(format.FSFAT32, dataPath, label); err != nil {
		return err
	}

	// Persistence failures are the one recoverable error: the run falls back
	// to a file-based overlay inside the data partition.
	fallbackNeeded := false
	if lay.persistIndex > 0 {
		persistPath := device.PartitionPath(cfg.DevicePath, lay.persistIndex)
		if err := b.formatter.Create(cfg.PersistenceFS, persistPath, cfg.PersistenceLabel()); err != nil {
			if !fallbackEligible(err) {
				return err
			}
			b.log.Error(err, "persistence format failed, falling back to file-based persistence")
			fallbackNeeded = true
		}
	}

	bootType, err := bootloader.Detect(cfg.ImagePath)
	if err != nil {
		return err
	}

	mountPoint := filepath.Join(os.TempDir(), fmt.Sprintf("burnkit-%d", os.Getpid()))
	if err := b.host.MountPartition(dataPath, "vfat", mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, dataPath, "cannot mount data partition", err)
	}
	mounted := true
	defer func() {
		if !mounted {
			return
		}
		if err := b.host.UnmountPoint(mountPoint); err != nil {
			b.log.Debug("unmount of data partition failed", "path", mountPoint, "error", err)
		}
	}()

	if err := b.extractor.ExtractTo(cfg.ImagePath, mountPoint); err != nil {
		return err
	}

	if fallbackNeeded {
		if err := b.createFilePersistence(mountPoint, persistMiB); err != nil {
			return err
		}
	}

	if err := b.installer.InstallConfig(mountPoint, bootType); err != nil {
		return err
	}
	mounted = false
	if err := b.host.UnmountPoint(mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, dataPath, "cannot unmount data partition", err)
	}

	return b.installer.WriteMBRStub(cfg.DevicePath)
}

// settle gives the kernel and udev time to absorb a new table: a fixed
// pause, the re-read ioctl, then the external rescan helper.
func (b *Burner) settle(devicePath string, dev *device.Device) {
	time.Sleep(2 * time.Second)
	if err := dev.RereadPartitionTable(); err != nil {
		b.log.Debug("partition table re-read failed", "device", devicePath, "error", err)
	}
	if err := b.host.RescanPartitions(devicePath); err != nil {
		b.log.Debug("partition rescan helper failed", "device", devicePath, "error", err)
	}
}

// settleAndWait settles and then polls for the child partition node. This is
// the only place the engine blocks on externally observable state.
func (b *Burner) settleAndWait(devicePath string, dev *device.Device, partitionPath string) error {
	b.settle(devicePath, dev)
	return dev.WaitForPartition(partitionPath, settleAttempts)
}

// fallbackEligible reports whether err may divert the run into the
// file-based persistence fallback instead of aborting.
func fallbackEligible(err error) bool {
	return errdefs.IsKind(err, errdefs.KindWriteFailed) ||
		errdefs.IsKind(err, errdefs.KindBootloaderInstallFailed)
}
