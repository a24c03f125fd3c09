// Package magic implements the fallback mount strategy: instead of an
// overlayfs stack, each partition is rebuilt entry by entry inside a tmpfs
// scratch tree (stock entries bound back in, module entries grafted on top)
// and the finished tree is spliced over the partition in one move.
//
// It serves the modules explicitly pinned to this mode and every module of a
// partition whose overlay composition failed.
package magic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/hymo-mount/hymo/pkg/config"
	"github.com/hymo-mount/hymo/pkg/logging"
	"github.com/hymo-mount/hymo/pkg/module"
)

// binder abstracts the mount syscalls the graft issues, so the tree logic is
// testable without privilege.
type binder interface {
	mountTmpfs(dest string) error
	// bind recursively bind-mounts src onto dest.
	bind(src, dest string) error
	// move splices the finished scratch tree onto the partition.
	move(src, dest string) error
	unmountDetach(dest string) error
}

// Engine rebuilds partitions in tmpfs scratch trees. Construct with
// NewEngine.
type Engine struct {
	b   binder
	log *logrus.Entry

	// fsRoot is where partitions live; "/" outside of tests.
	fsRoot string
}

// NewEngine returns an engine issuing real mount syscalls, stamping
// mountSource on every mount it creates.
func NewEngine(mountSource string) *Engine {
	return &Engine{
		b:      &unixBinder{source: mountSource},
		log:    logging.Component("magic"),
		fsRoot: "/",
	}
}

// MountPartitions grafts the given module content roots onto every partition
// they touch. tempDir hosts one scratch tree per partition; the caller
// creates it beforehand and tears it down afterwards. Partition failures are
// collected, never cascading: each partition is rebuilt independently.
func (e *Engine) MountPartitions(tempDir string, moduleRoots []string, extraPartitions []string) error {
	var errs []error
	for _, part := range module.AllPartitions(extraPartitions) {
		var sources []string
		for _, root := range moduleRoots {
			src := filepath.Join(root, part)
			if fi, err := os.Stat(src); err == nil && fi.IsDir() {
				sources = append(sources, src)
			}
		}
		if len(sources) == 0 {
			continue
		}

		stock := filepath.Join(e.fsRoot, part)
		fi, err := os.Stat(stock)
		if err != nil || !fi.IsDir() {
			e.log.Warnf("partition %s absent, skipping %d module layers", part, len(sources))
			continue
		}

		e.log.Infof("rebuilding %s from %d module layers", stock, len(sources))
		if err := e.mountPartition(stock, sources, filepath.Join(tempDir, part), fi.Mode().Perm()); err != nil {
			errs = append(errs, fmt.Errorf("magic: partition %s: %w", part, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) mountPartition(stock string, sources []string, scratch string, mode os.FileMode) error {
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return fmt.Errorf("create scratch: %w", err)
	}
	if err := e.b.mountTmpfs(scratch); err != nil {
		return fmt.Errorf("scratch tmpfs: %w", err)
	}
	_ = os.Chmod(scratch, mode)

	if err := e.graft(stock, sources, scratch); err != nil {
		_ = e.b.unmountDetach(scratch)
		return err
	}
	if err := e.b.move(scratch, stock); err != nil {
		_ = e.b.unmountDetach(scratch)
		return fmt.Errorf("splice onto %s: %w", stock, err)
	}
	return nil
}

// graft merges one directory level. stockDir may be empty when the modules
// introduce a directory the stock tree never had. moduleDirs are in
// precedence order: the first module shipping an entry wins.
func (e *Engine) graft(stockDir string, moduleDirs []string, scratchDir string) error {
	names := map[string]bool{}
	if stockDir != "" {
		entries, err := os.ReadDir(stockDir)
		if err != nil {
			return fmt.Errorf("read %s: %w", stockDir, err)
		}
		for _, ent := range entries {
			names[ent.Name()] = true
		}
	}
	for _, dir := range moduleDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			e.log.Warnf("module layer %s unreadable: %v", dir, err)
			continue
		}
		for _, ent := range entries {
			if ent.Name() != config.ReplaceDirFileName {
				names[ent.Name()] = true
			}
		}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		if err := e.graftEntry(stockDir, moduleDirs, scratchDir, name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) graftEntry(stockDir string, moduleDirs []string, scratchDir, name string) error {
	scratchPath := filepath.Join(scratchDir, name)

	var modPaths []string
	var winner os.FileInfo
	var winnerPath string
	for _, dir := range moduleDirs {
		p := filepath.Join(dir, name)
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if winner == nil {
			winner, winnerPath = fi, p
		}
		modPaths = append(modPaths, p)
	}

	var stockInfo os.FileInfo
	if stockDir != "" {
		stockInfo, _ = os.Lstat(filepath.Join(stockDir, name))
	}

	// Stock-only entry: carry it into the rebuilt tree unchanged.
	if winner == nil {
		return e.carryStock(filepath.Join(stockDir, name), stockInfo, scratchPath)
	}

	if isWhiteout(winner) {
		// 0:0 char device marks a deletion; the entry simply never
		// appears in the rebuilt tree.
		e.log.Debugf("whiteout %s", scratchPath)
		return nil
	}

	switch {
	case winner.IsDir():
		return e.graftDir(stockDir, modPaths, stockInfo, scratchPath, winner, name)
	case winner.Mode()&os.ModeSymlink != 0:
		return cloneSymlink(winnerPath, scratchPath)
	default:
		return e.bindFile(winnerPath, winner, scratchPath)
	}
}

func (e *Engine) graftDir(stockDir string, modPaths []string, stockInfo os.FileInfo, scratchPath string, winner os.FileInfo, name string) error {
	// A .replace marker substitutes the module directory wholesale; the
	// stock content under it is dropped rather than merged.
	for _, p := range modPaths {
		if _, err := os.Lstat(filepath.Join(p, config.ReplaceDirFileName)); err == nil {
			if err := os.Mkdir(scratchPath, winner.Mode().Perm()); err != nil {
				return fmt.Errorf("mkdir %s: %w", scratchPath, err)
			}
			return e.b.bind(p, scratchPath)
		}
	}

	// Only module paths that are directories descend; a module shipping
	// this name as a file under a directory winner is ignored.
	var subDirs []string
	for _, p := range modPaths {
		if fi, err := os.Lstat(p); err == nil && fi.IsDir() {
			subDirs = append(subDirs, p)
		}
	}

	if err := os.Mkdir(scratchPath, winner.Mode().Perm()); err != nil {
		return fmt.Errorf("mkdir %s: %w", scratchPath, err)
	}

	stockChild := ""
	if stockInfo != nil && stockInfo.IsDir() {
		stockChild = filepath.Join(stockDir, name)
		_ = os.Chmod(scratchPath, stockInfo.Mode().Perm())
	}
	return e.graft(stockChild, subDirs, scratchPath)
}

// carryStock reproduces an untouched stock entry inside the scratch tree.
// Directories and regular files come back as bind mounts so the rebuilt
// partition serves the original inodes; symlinks are recreated.
func (e *Engine) carryStock(stockPath string, fi os.FileInfo, scratchPath string) error {
	if fi == nil {
		return nil
	}
	switch {
	case fi.IsDir():
		if err := os.Mkdir(scratchPath, fi.Mode().Perm()); err != nil {
			return fmt.Errorf("mkdir %s: %w", scratchPath, err)
		}
		return e.b.bind(stockPath, scratchPath)
	case fi.Mode()&os.ModeSymlink != 0:
		return cloneSymlink(stockPath, scratchPath)
	case fi.Mode().IsRegular():
		return e.bindFile(stockPath, fi, scratchPath)
	default:
		// Device nodes and sockets in stock trees stay behind; the
		// partitions this engine rebuilds do not carry them.
		return nil
	}
}

func (e *Engine) bindFile(src string, fi os.FileInfo, dest string) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create bind target %s: %w", dest, err)
	}
	f.Close()
	return e.b.bind(src, dest)
}

func cloneSymlink(src, dest string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", src, err)
	}
	if err := os.Symlink(target, dest); err != nil {
		return fmt.Errorf("symlink %s: %w", dest, err)
	}
	return nil
}

// isWhiteout reports whether fi is a 0:0 character device, the marker for a
// deleted entry.
func isWhiteout(fi os.FileInfo) bool {
	if fi.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	return ok && st.Rdev == 0
}
