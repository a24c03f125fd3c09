package overlay

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// mounter abstracts the mount syscalls the composer issues, so composition
// logic is testable without privilege.
type mounter interface {
	// overlay mounts an overlayfs at dest with the given lower layers in
	// priority order (first = highest). upper and work are optional and
	// must be supplied together.
	overlay(dest string, lowers []string, upper, work string) error
	// bind recursively bind-mounts src onto dest.
	bind(src, dest string) error
	// unmountDetach lazily force-unmounts dest.
	unmountDetach(dest string) error
}

// unixMounter is the real implementation. Overlay mounts prefer the new
// mount API (fsopen/fsconfig/fsmount/move_mount): the filesystem is fully
// instantiated detached and then spliced into place, so there is no instant
// where dest is unmounted. Kernels without the API fall back to a classic
// mount(2) call with an equivalent option string.
type unixMounter struct {
	source string
}

// joinOptions builds an overlay option value from paths, rejecting embedded
// commas and control bytes: the kernel parses options comma-separated, so a
// crafted path could otherwise inject its own upperdir.
func joinOptions(paths []string, sep string) (string, error) {
	for _, p := range paths {
		if strings.ContainsAny(p, ",\x00\n") {
			return "", fmt.Errorf("overlay: path %q would corrupt mount options", p)
		}
	}
	return strings.Join(paths, sep), nil
}

func (m *unixMounter) overlay(dest string, lowers []string, upper, work string) error {
	lowerdir, err := joinOptions(lowers, ":")
	if err != nil {
		return err
	}
	if _, err := joinOptions([]string{upper, work, dest}, ""); err != nil {
		return err
	}

	log := logging.Component("overlay")
	log.Infof("mount overlayfs on %s, lowerdir=%s, upperdir=%s, workdir=%s", dest, lowerdir, upper, work)

	if err := m.fsopenOverlay(dest, lowerdir, upper, work); err != nil {
		log.Warnf("fsopen mount failed: %v, falling back to mount(2)", err)
		data := "lowerdir=" + lowerdir
		if upper != "" && work != "" {
			data += ",upperdir=" + upper + ",workdir=" + work
		}
		if err := unix.Mount(m.source, dest, "overlay", 0, data); err != nil {
			return fmt.Errorf("overlay: mount at %s: %w", dest, err)
		}
	}
	return nil
}

func (m *unixMounter) fsopenOverlay(dest, lowerdir, upper, work string) error {
	fsfd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fsopen: %w", err)
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigSetString(fsfd, "lowerdir", lowerdir); err != nil {
		return fmt.Errorf("set lowerdir: %w", err)
	}
	if upper != "" && work != "" {
		if err := unix.FsconfigSetString(fsfd, "upperdir", upper); err != nil {
			return fmt.Errorf("set upperdir: %w", err)
		}
		if err := unix.FsconfigSetString(fsfd, "workdir", work); err != nil {
			return fmt.Errorf("set workdir: %w", err)
		}
	}
	if err := unix.FsconfigSetString(fsfd, "source", m.source); err != nil {
		return fmt.Errorf("set source: %w", err)
	}
	if err := unix.FsconfigCreate(fsfd); err != nil {
		return fmt.Errorf("fsconfig create: %w", err)
	}

	mfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("fsmount: %w", err)
	}
	defer unix.Close(mfd)

	if err := unix.MoveMount(mfd, "", unix.AT_FDCWD, dest, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("move_mount to %s: %w", dest, err)
	}
	return nil
}

func (m *unixMounter) bind(src, dest string) error {
	logging.Component("overlay").Infof("bind mount %s -> %s", src, dest)

	fd, err := unix.OpenTree(unix.AT_FDCWD, src,
		unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE|unix.AT_RECURSIVE)
	if err == nil {
		defer unix.Close(fd)
		if err := unix.MoveMount(fd, "", unix.AT_FDCWD, dest, unix.MOVE_MOUNT_F_EMPTY_PATH); err == nil {
			return nil
		}
	}
	// open_tree unavailable or the splice failed: classic recursive bind.
	if err := unix.Mount(src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("overlay: bind %s onto %s: %w", src, dest, err)
	}
	return nil
}

func (m *unixMounter) unmountDetach(dest string) error {
	if err := unix.Unmount(dest, unix.MNT_DETACH|unix.MNT_FORCE); err != nil {
		return fmt.Errorf("overlay: unmount %s: %w", dest, err)
	}
	return nil
}
