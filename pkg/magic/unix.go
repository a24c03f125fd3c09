package magic

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixBinder is the real mount implementation behind the graft.
type unixBinder struct {
	source string
}

func (b *unixBinder) mountTmpfs(dest string) error {
	if err := unix.Mount(b.source, dest, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("magic: tmpfs at %s: %w", dest, err)
	}
	return nil
}

func (b *unixBinder) bind(src, dest string) error {
	if err := unix.Mount(src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("magic: bind %s onto %s: %w", src, dest, err)
	}
	return nil
}

// move splices the scratch tree onto the partition. MS_MOVE keeps the swap
// atomic; kernels that refuse it (shared subtrees) get a recursive bind with
// the scratch detached afterwards.
func (b *unixBinder) move(src, dest string) error {
	if err := unix.Mount(src, dest, "", unix.MS_MOVE, ""); err == nil {
		return nil
	}
	if err := unix.Mount(src, dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("magic: splice %s onto %s: %w", src, dest, err)
	}
	return b.unmountDetach(src)
}

func (b *unixBinder) unmountDetach(dest string) error {
	if err := unix.Unmount(dest, unix.MNT_DETACH|unix.MNT_FORCE); err != nil {
		return fmt.Errorf("magic: unmount %s: %w", dest, err)
	}
	return nil
}
