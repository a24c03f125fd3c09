// Package overlay builds the layered overlayfs view of one partition:
// module content trees stacked over the stock tree, with every pre-existing
// sub-mountpoint re-established on top, and full rollback when a child
// cannot be restored.
package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// Composer lays overlay mounts for partitions. The zero value is not
// usable; construct with NewComposer.
type Composer struct {
	m    mounter
	snap func(root string) (Snapshot, error)
	log  *logrus.Entry

	// Upper and Work enable a writable overlay when both are set.
	// Read-only composition is the default.
	Upper string
	Work  string
}

// NewComposer returns a composer issuing real mount syscalls, stamping
// mountSource on every mount it creates.
func NewComposer(mountSource string) *Composer {
	return &Composer{
		m:    &unixMounter{source: mountSource},
		snap: CaptureSnapshot,
		log:  logging.Component("overlay"),
	}
}

// ComposeRoot mounts the overlay stack for one partition. lowerDirs are the
// module layers in precedence order (first wins); the stock tree is always
// the lowest layer. On return the partition is either fully composed or
// fully reverted, never partially shadowed.
func (c *Composer) ComposeRoot(partitionPath string, lowerDirs []string) error {
	c.log.Infof("composing overlay for %s (%d layers)", partitionPath, len(lowerDirs))

	// Anchor the working directory at the partition so its original
	// content stays addressable as "." regardless of what gets mounted
	// over the path next.
	if err := os.Chdir(partitionPath); err != nil {
		return fmt.Errorf("overlay: chdir to %s: %w", partitionPath, err)
	}
	const stockRoot = "."

	// The snapshot is read exactly once per composition.
	snapshot, err := c.snap(partitionPath)
	if err != nil {
		return fmt.Errorf("overlay: snapshot mounts under %s: %w", partitionPath, err)
	}

	lowers := make([]string, 0, len(lowerDirs)+1)
	lowers = append(lowers, lowerDirs...)
	lowers = append(lowers, stockRoot)
	if err := c.m.overlay(partitionPath, lowers, c.Upper, c.Work); err != nil {
		// Nothing mounted; the partition is untouched.
		return fmt.Errorf("overlay: root mount for %s: %w", partitionPath, err)
	}

	root := filepath.Clean(partitionPath)
	for _, mountPoint := range snapshot {
		relative := strings.TrimPrefix(mountPoint, root)
		if err := c.composeChild(mountPoint, relative, lowerDirs, stockRoot+relative); err != nil {
			c.log.Warnf("child %s failed: %v, reverting %s", mountPoint, err, partitionPath)
			if uerr := c.m.unmountDetach(partitionPath); uerr != nil {
				c.log.Errorf("revert of %s failed: %v", partitionPath, uerr)
			}
			return fmt.Errorf("overlay: child %s: %w", mountPoint, err)
		}
	}
	return nil
}

// composeChild re-establishes one pre-existing sub-mountpoint on top of the
// root overlay. A returned error means both the child overlay and its bind
// fallback failed; the caller rolls back the whole partition.
func (c *Composer) composeChild(mountPoint, relative string, lowerDirs []string, stockPath string) error {
	fi, err := os.Stat(stockPath)
	if err != nil || !fi.IsDir() {
		// The stock path is gone or not a directory; nothing to restore.
		return nil
	}

	var contributing []string
	for _, lower := range lowerDirs {
		joined := filepath.Join(lower, relative)
		lfi, err := os.Lstat(joined)
		if err != nil {
			continue
		}
		if !lfi.IsDir() {
			// A module ships this path as a non-directory while the
			// stock tree has a directory mount point. No layering can
			// satisfy both; leave this entry alone.
			c.log.Warnf("type conflict at %s (%s), skipping", mountPoint, joined)
			return nil
		}
		contributing = append(contributing, joined)
	}

	if len(contributing) == 0 {
		// No module touches this subtree; recreate the pre-overlay
		// mount that the root overlay now shadows.
		return c.m.bind(stockPath, mountPoint)
	}

	lowers := append(contributing, stockPath)
	if err := c.m.overlay(mountPoint, lowers, "", ""); err != nil {
		c.log.Warnf("child overlay at %s failed: %v, falling back to bind", mountPoint, err)
		return c.m.bind(stockPath, mountPoint)
	}
	return nil
}
