package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// unixOps is the real syscall implementation.
type unixOps struct{}

func (unixOps) mountTmpfs(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	if err := unix.Mount("tmpfs", dir, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("mount tmpfs: %w", err)
	}
	return nil
}

// xattrSupported probes extended-attribute support with a write/read round
// trip on a scratch file. Kernels built without CONFIG_TMPFS_XATTR accept
// the tmpfs mount but fail here.
func (unixOps) xattrSupported(dir string) bool {
	probe := filepath.Join(dir, ".xattr_probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	defer os.Remove(probe)

	const attr = "user.hymo.probe"
	if err := unix.Setxattr(probe, attr, []byte("1"), 0); err != nil {
		return false
	}
	buf := make([]byte, 1)
	n, err := unix.Getxattr(probe, attr, buf)
	return err == nil && n == 1 && buf[0] == '1'
}

func (unixOps) unmountDetach(dir string) error {
	return unix.Unmount(dir, unix.MNT_DETACH)
}

// attachLoop binds imagePath to a free loop device with write access and
// the autoclear flag, so the device frees itself once the filesystem on it
// is unmounted.
func (unixOps) attachLoop(imagePath string) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open loop-control: %w", err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("get free loop device: %w", err)
	}
	device := fmt.Sprintf("/dev/loop%d", n)

	img, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer img.Close()

	loop, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", device, err)
	}
	defer loop.Close()

	if err := unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("bind image to %s: %w", device, err)
	}

	var info unix.LoopInfo64
	info.Flags = unix.LO_FLAGS_AUTOCLEAR
	copy(info.File_name[:], imagePath)
	if err := unix.IoctlLoopSetStatus64(int(loop.Fd()), &info); err != nil {
		// Leave no half-attached device behind.
		_ = unix.IoctlSetInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("set loop status on %s: %w", device, err)
	}
	return device, nil
}

func (unixOps) mountExt4(device, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	return unix.Mount(device, dir, "ext4", unix.MS_NOATIME, "")
}
