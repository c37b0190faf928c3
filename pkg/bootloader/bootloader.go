package bootloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bgrewell/burn-kit/pkg/consts"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/hostcmd"
	"github.com/bgrewell/burn-kit/pkg/logging"
)

// BootType identifies the bootloader family installed on the finished USB.
type BootType int

const (
	// Syslinux covers both SYSLINUX and ISOLINUX images and is the default.
	Syslinux BootType = iota
	// Grub is chosen when the image carries GRUB artifacts and no
	// SYSLINUX marker.
	Grub
)

func (t BootType) String() string {
	if t == Grub {
		return "grub"
	}
	return "syslinux"
}

// detectWindow bounds the signature search at the start of the image.
const detectWindow = 32 * 1024

// mbrStub is the compiled boot code written into the first 440 bytes of the
// device. It sets up segments and stack, relocates itself to 0x0600 and
// probes INT 13h extensions; it does not chain-load a partition.
// TODO: replace with the full 440-byte SYSLINUX mbr.bin payload; this stub
// covers the probe prologue only and firmware that runs past it is on its
// own.
var mbrStub = []byte{
	0xFA, 0x31, 0xC0, 0x8E, 0xD8, 0x8E, 0xC0, 0x8E, 0xD0, 0xBC, 0x00, 0x7C,
	0xFB, 0xFC, 0xBF, 0x00, 0x06, 0xB9, 0x00, 0x01, 0xF3, 0xA5, 0xEA, 0x1F,
	0x06, 0x00, 0x00, 0xB4, 0x41, 0xBB, 0xAA, 0x55, 0xCD, 0x13, 0x72, 0x3E,
	0x81, 0xFB, 0x55, 0xAA, 0x75, 0x38, 0x83, 0xE1, 0x01, 0x74, 0x33, 0x66,
	0xA1, 0x10, 0x7C, 0x66, 0x3B, 0x46, 0xF8, 0x0F, 0x82, 0x2A, 0x00,
}

// syslinuxConfig is the boot menu installed at /syslinux/syslinux.cfg.
const syslinuxConfig = "DEFAULT menu.c32\n" +
	"PROMPT 0\n" +
	"TIMEOUT 300\n" +
	"\n" +
	"MENU TITLE Boot Menu\n" +
	"\n" +
	"LABEL linux\n" +
	"  MENU LABEL Boot Linux\n" +
	"  KERNEL /casper/vmlinuz\n" +
	"  APPEND initrd=/casper/initrd boot=casper quiet splash ---\n" +
	"\n" +
	"LABEL persistent\n" +
	"  MENU LABEL Boot with Persistence\n" +
	"  KERNEL /casper/vmlinuz\n" +
	"  APPEND initrd=/casper/initrd boot=casper persistent quiet splash ---\n"

// grubConfig is the boot menu installed at /boot/grub/grub.cfg.
const grubConfig = "set timeout=10\n" +
	"set default=0\n" +
	"\n" +
	"menuentry \"Boot Linux\" {\n" +
	"  linux /casper/vmlinuz boot=casper quiet splash ---\n" +
	"  initrd /casper/initrd\n" +
	"}\n" +
	"\n" +
	"menuentry \"Boot with Persistence\" {\n" +
	"  linux /casper/vmlinuz boot=casper persistent quiet splash ---\n" +
	"  initrd /casper/initrd\n" +
	"}\n"

// Detect inspects the start of the image and picks the bootloader family to
// install. SYSLINUX wins ties and is the fallback.
func Detect(isoPath string) (BootType, error) {
	f, err := os.Open(isoPath)
	if err != nil {
		return Syslinux, errdefs.Wrap(errdefs.KindInvalidImage, isoPath, "cannot open image", err)
	}
	defer f.Close()

	buf := make([]byte, detectWindow)
	n, _ := f.Read(buf)
	head := string(buf[:n])

	if strings.Contains(head, "ISOLINUX") || strings.Contains(head, "SYSLINUX") {
		return Syslinux, nil
	}
	if strings.Contains(head, "GRUB") {
		return Grub, nil
	}
	return Syslinux, nil
}

// Installer writes boot menus and the MBR boot stub.
type Installer struct {
	log  *logging.Logger
	host *hostcmd.Runner
}

// NewInstaller creates an Installer logging through log.
func NewInstaller(log *logging.Logger, host *hostcmd.Runner) *Installer {
	if log == nil {
		log = logging.DefaultLogger()
	}
	if host == nil {
		host = hostcmd.NewRunner(log)
	}
	return &Installer{log: log, host: host}
}

// InstallConfig writes the boot menu tree for the given bootloader into dir,
// which must be the root of a mounted boot partition.
func (in *Installer) InstallConfig(dir string, bootType BootType) error {
	var cfgDir, cfgName, content string
	switch bootType {
	case Grub:
		cfgDir = filepath.Join(dir, "boot", "grub")
		cfgName = "grub.cfg"
		content = grubConfig
	default:
		cfgDir = filepath.Join(dir, "syslinux")
		cfgName = "syslinux.cfg"
		content = syslinuxConfig
	}

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, cfgDir, "cannot create config directory", err)
	}
	cfgPath := filepath.Join(cfgDir, cfgName)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, cfgPath, "cannot write boot menu", err)
	}
	in.log.Info("boot menu installed", "path", cfgPath, "type", bootType)
	return nil
}

// WriteMBRStub overwrites the first 440 bytes of the device with the boot
// stub, leaving the disk signature and partition table untouched.
func (in *Installer) WriteMBRStub(device string) error {
	f, err := os.OpenFile(device, os.O_WRONLY|os.O_SYNC, 0)
	if err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, device, "cannot open device", err)
	}
	defer f.Close()

	code := make([]byte, consts.MBR_BOOT_CODE_SIZE)
	copy(code, mbrStub)
	if _, err := f.WriteAt(code, 0); err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, device, "stub write failed", err)
	}
	if err := f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, device, "fsync failed", err)
	}
	in.log.Info("MBR boot stub installed", "device", device)
	return nil
}

// Install mounts the boot partition, writes the menu for bootType, unmounts
// and finally installs the MBR stub on the raw device.
func (in *Installer) Install(device, partition string, bootType BootType) error {
	mountPoint := filepath.Join(os.TempDir(), fmt.Sprintf("burnkit-boot-%d", os.Getpid()))
	if err := in.host.MountPartition(partition, "vfat", mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindBootloaderInstallFailed, partition, "cannot mount boot partition", err)
	}

	cfgErr := in.InstallConfig(mountPoint, bootType)
	if err := in.host.UnmountPoint(mountPoint); err != nil {
		in.log.Debug("unmount of boot partition failed", "path", mountPoint, "error", err)
	}
	if cfgErr != nil {
		return cfgErr
	}

	return in.WriteMBRStub(device)
}
