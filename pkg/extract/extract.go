package extract

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/hostcmd"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"github.com/kdomanski/iso9660"
)

// Extractor copies the file tree of an ISO 9660 image into a directory,
// normally the mount point of a freshly formatted partition. The primary
// path parses the image in-process; when the image defeats the parser (UDF
// bridge discs, damaged descriptors) it falls back to a read-only loopback
// mount and a recursive copy through the host.
type Extractor struct {
	log  *logging.Logger
	host *hostcmd.Runner
}

// NewExtractor creates an Extractor logging through log.
func NewExtractor(log *logging.Logger, host *hostcmd.Runner) *Extractor {
	if log == nil {
		log = logging.DefaultLogger()
	}
	if host == nil {
		host = hostcmd.NewRunner(log)
	}
	return &Extractor{log: log, host: host}
}

// ExtractTo copies every file of the image at isoPath into destDir.
func (e *Extractor) ExtractTo(isoPath, destDir string) error {
	if err := e.extractInProcess(isoPath, destDir); err != nil {
		e.log.Info("in-process extraction failed, falling back to loopback mount",
			"image", isoPath, "error", err)
		return e.extractViaMount(isoPath, destDir)
	}
	return nil
}

func (e *Extractor) extractInProcess(isoPath, destDir string) error {
	f, err := os.Open(isoPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidImage, isoPath, "cannot open image", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidImage, isoPath, "cannot parse ISO 9660 structure", err)
	}
	root, err := img.RootDir()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidImage, isoPath, "cannot read root directory", err)
	}

	e.log.Info("extracting image contents", "image", isoPath, "dest", destDir)
	var files int
	if err := e.walk(root, destDir, &files); err != nil {
		return err
	}
	e.log.Info("extraction complete", "files", files)
	return nil
}

func (e *Extractor) walk(dir *iso9660.File, destDir string, files *int) error {
	children, err := dir.GetChildren()
	if err != nil {
		return errdefs.Wrap(errdefs.KindReadFailed, destDir, "cannot list image directory", err)
	}
	for _, child := range children {
		name := child.Name()
		if name == "." || name == ".." {
			continue
		}
		target := filepath.Join(destDir, name)
		if child.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errdefs.Wrap(errdefs.KindWriteFailed, target, "cannot create directory", err)
			}
			if err := e.walk(child, target, files); err != nil {
				return err
			}
			continue
		}
		if err := writeFile(child.Reader(), target); err != nil {
			return err
		}
		*files++
		e.log.Trace("extracted", "file", target)
	}
	return nil
}

func writeFile(r io.Reader, target string) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "cannot create file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, target, "cannot write file", err)
	}
	return nil
}

func (e *Extractor) extractViaMount(isoPath, destDir string) error {
	mountPoint := filepath.Join(os.TempDir(), "burnkit-iso-"+strings.ReplaceAll(filepath.Base(isoPath), " ", "_"))
	if err := e.host.MountISO(isoPath, mountPoint); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidImage, isoPath, "loopback mount failed", err)
	}
	defer func() {
		if err := e.host.UnmountPoint(mountPoint); err != nil {
			e.log.Debug("unmount of extraction point failed", "path", mountPoint, "error", err)
		}
	}()

	if err := e.host.CopyTree(mountPoint, destDir); err != nil {
		return errdefs.Wrap(errdefs.KindWriteFailed, destDir, "copy from mounted image failed", err)
	}
	return nil
}
