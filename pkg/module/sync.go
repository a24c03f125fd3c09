package module

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/internal/shared"
	"github.com/hymo-mount/hymo/pkg/config"
)

// Sync copies every enabled module that carries partition content from
// srcDir into dstBase, the freshly provisioned store. Per-module failures
// are logged and skipped; a broken module must not block the rest.
//
// Sync operates on the real filesystem (not afero) because module trees
// contain symlinks and security xattrs that must survive the copy.
func Sync(srcDir, dstBase string, extraPartitions []string, log *logrus.Entry) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("no module source directory, nothing to sync")
			return nil
		}
		return fmt.Errorf("module: read %s: %w", srcDir, err)
	}

	partitions := AllPartitions(extraPartitions)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if id == config.ReservedID || id == "lost+found" {
			continue
		}
		src := filepath.Join(srcDir, id)
		if hasMarker(src) {
			continue
		}
		if !hasPartitionContent(src, partitions) {
			continue
		}
		log.Debugf("syncing module %s", id)
		if err := copyTree(src, filepath.Join(dstBase, id)); err != nil {
			log.Errorf("failed to sync module %s: %v", id, err)
		}
	}
	return nil
}

func hasMarker(dir string) bool {
	for _, marker := range []string{config.DisableFileName, config.RemoveFileName, config.SkipMountFileName} {
		if _, err := os.Lstat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func hasPartitionContent(dir string, partitions []string) bool {
	for _, part := range partitions {
		if shared.IsDir(filepath.Join(dir, part)) {
			return true
		}
	}
	return false
}

// copyTree replicates src at dst: directories, regular files, symlinks,
// permission bits, and extended attributes. Other node types (sockets,
// devices) are skipped; magic-mount whiteouts are devices, but those are
// consumed from the source tree directly, never from the synced store.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
		case d.Type()&fs.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(dest, target); err != nil {
				return err
			}
			// Symlink xattrs don't carry meaning here; done.
			return nil
		case d.Type().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			return nil
		}
		return copyXattrs(path, target)
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyXattrs carries extended attributes (notably security labels) from
// src to dst. A store that cannot accept them would already have been
// rejected by the provisioner's xattr probe.
func copyXattrs(src, dst string) error {
	buf := make([]byte, 4096)
	n, err := unix.Listxattr(src, buf)
	if err != nil {
		// Source filesystem without xattrs: nothing to carry.
		return nil
	}
	for _, attr := range splitNames(buf[:n]) {
		val := make([]byte, 4096)
		vn, err := unix.Getxattr(src, attr, val)
		if err != nil {
			continue
		}
		if err := unix.Setxattr(dst, attr, val[:vn], 0); err != nil {
			return fmt.Errorf("set xattr %s on %s: %w", attr, dst, err)
		}
	}
	return nil
}

// splitNames splits the NUL-separated name list returned by listxattr.
func splitNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
