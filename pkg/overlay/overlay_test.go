package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// --------------------------------------------------------------------------
// mountinfo snapshot
// --------------------------------------------------------------------------

func mountinfoLine(mp string) string {
	return fmt.Sprintf("36 35 98:0 / %s rw,noatime shared:1 - ext4 /dev/sda1 rw", mp)
}

func TestSnapshotFromMountinfo(t *testing.T) {
	t.Run("strictly inside only", func(t *testing.T) {
		content := strings.Join([]string{
			mountinfoLine("/"),
			mountinfoLine("/vendor"),
			mountinfoLine("/vendor/dsp"),
			mountinfoLine("/vendor2"),
			mountinfoLine("/vendor/firmware_mnt"),
			mountinfoLine("/system"),
		}, "\n")
		snap, err := snapshotFromMountinfo(strings.NewReader(content), "/vendor")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := Snapshot{"/vendor/dsp", "/vendor/firmware_mnt"}
		if !reflect.DeepEqual(snap, want) {
			t.Errorf("snapshot = %v, want %v", snap, want)
		}
	})

	t.Run("sorted and deduplicated", func(t *testing.T) {
		content := strings.Join([]string{
			mountinfoLine("/vendor/zeta"),
			mountinfoLine("/vendor/alpha"),
			mountinfoLine("/vendor/zeta"),
		}, "\n")
		snap, err := snapshotFromMountinfo(strings.NewReader(content), "/vendor")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := Snapshot{"/vendor/alpha", "/vendor/zeta"}
		if !reflect.DeepEqual(snap, want) {
			t.Errorf("snapshot = %v, want %v", snap, want)
		}
	})

	t.Run("octal escapes are decoded", func(t *testing.T) {
		snap, err := snapshotFromMountinfo(strings.NewReader(mountinfoLine(`/vendor/with\040space`)), "/vendor")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(snap) != 1 || snap[0] != "/vendor/with space" {
			t.Errorf("snapshot = %v", snap)
		}
	})
}

// --------------------------------------------------------------------------
// fake mounter
// --------------------------------------------------------------------------

type mountOp struct {
	kind   string // "overlay", "bind", "unmount"
	dest   string
	lowers []string
	src    string
}

type fakeMounter struct {
	ops []mountOp
	// overlayErrs maps dest -> error for overlay calls.
	overlayErrs map[string]error
	// bindErr fails every bind call when set.
	bindErr error
}

func (f *fakeMounter) overlay(dest string, lowers []string, upper, work string) error {
	if err := f.overlayErrs[dest]; err != nil {
		return err
	}
	f.ops = append(f.ops, mountOp{kind: "overlay", dest: dest, lowers: append([]string(nil), lowers...)})
	return nil
}

func (f *fakeMounter) bind(src, dest string) error {
	if f.bindErr != nil {
		return f.bindErr
	}
	f.ops = append(f.ops, mountOp{kind: "bind", dest: dest, src: src})
	return nil
}

func (f *fakeMounter) unmountDetach(dest string) error {
	f.ops = append(f.ops, mountOp{kind: "unmount", dest: dest})
	return nil
}

// newTestComposer wires a fake mounter and a fixed snapshot.
func newTestComposer(m mounter, snapshot Snapshot) *Composer {
	return &Composer{
		m:    m,
		snap: func(string) (Snapshot, error) { return snapshot, nil },
		log:  logging.Component("overlay"),
	}
}

// partitionDir creates a fake stock partition with the given subdirs and
// restores the working directory after the test (ComposeRoot chdirs).
func partitionDir(t *testing.T, subdirs ...string) string {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })

	root := t.TempDir()
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// --------------------------------------------------------------------------
// composition
// --------------------------------------------------------------------------

func TestComposeRoot(t *testing.T) {
	t.Run("stock root is the lowest layer", func(t *testing.T) {
		root := partitionDir(t)
		fm := &fakeMounter{}
		c := newTestComposer(fm, nil)

		if err := c.ComposeRoot(root, []string{"/mods/a/vendor", "/mods/b/vendor"}); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		if len(fm.ops) != 1 {
			t.Fatalf("ops = %+v", fm.ops)
		}
		want := []string{"/mods/a/vendor", "/mods/b/vendor", "."}
		if !reflect.DeepEqual(fm.ops[0].lowers, want) {
			t.Errorf("lowers = %v, want %v", fm.ops[0].lowers, want)
		}
	})

	t.Run("untouched submount is re-bound to stock", func(t *testing.T) {
		lower := t.TempDir() // contributes nothing under dsp
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, []string{lower}); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		if len(fm.ops) != 2 {
			t.Fatalf("ops = %+v", fm.ops)
		}
		bind := fm.ops[1]
		if bind.kind != "bind" || bind.src != "./dsp" || bind.dest != root+"/dsp" {
			t.Errorf("bind op = %+v", bind)
		}
	})

	t.Run("contributing lowers build a child overlay", func(t *testing.T) {
		lower := t.TempDir()
		if err := os.MkdirAll(filepath.Join(lower, "dsp"), 0755); err != nil {
			t.Fatal(err)
		}
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, []string{lower}); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		child := fm.ops[1]
		if child.kind != "overlay" || child.dest != root+"/dsp" {
			t.Fatalf("child op = %+v", child)
		}
		want := []string{filepath.Join(lower, "dsp"), "./dsp"}
		if !reflect.DeepEqual(child.lowers, want) {
			t.Errorf("child lowers = %v, want %v", child.lowers, want)
		}
	})

	t.Run("type conflict skips the entry", func(t *testing.T) {
		lower := t.TempDir()
		if err := os.WriteFile(filepath.Join(lower, "dsp"), []byte("not a dir"), 0644); err != nil {
			t.Fatal(err)
		}
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, []string{lower}); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		// Only the root overlay; the conflicted child is left alone.
		if len(fm.ops) != 1 {
			t.Errorf("ops = %+v", fm.ops)
		}
	})

	t.Run("vanished stock subdir is skipped", func(t *testing.T) {
		root := partitionDir(t) // snapshot names dsp, but stock has none
		fm := &fakeMounter{}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, nil); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		if len(fm.ops) != 1 {
			t.Errorf("ops = %+v", fm.ops)
		}
	})

	t.Run("child overlay failure falls back to bind", func(t *testing.T) {
		lower := t.TempDir()
		if err := os.MkdirAll(filepath.Join(lower, "dsp"), 0755); err != nil {
			t.Fatal(err)
		}
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{overlayErrs: map[string]error{root + "/dsp": errors.New("EINVAL")}}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, []string{lower}); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		last := fm.ops[len(fm.ops)-1]
		if last.kind != "bind" || last.dest != root+"/dsp" {
			t.Errorf("expected bind fallback, ops = %+v", fm.ops)
		}
	})

	t.Run("double child failure rolls back the root overlay", func(t *testing.T) {
		lower := t.TempDir()
		if err := os.MkdirAll(filepath.Join(lower, "dsp"), 0755); err != nil {
			t.Fatal(err)
		}
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{
			overlayErrs: map[string]error{root + "/dsp": errors.New("EINVAL")},
			bindErr:     errors.New("EBUSY"),
		}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		err := c.ComposeRoot(root, []string{lower})
		if err == nil {
			t.Fatal("expected error after double child failure")
		}
		last := fm.ops[len(fm.ops)-1]
		if last.kind != "unmount" || last.dest != root {
			t.Errorf("expected root unmount as final op, ops = %+v", fm.ops)
		}
	})

	t.Run("root overlay failure leaves the partition untouched", func(t *testing.T) {
		root := partitionDir(t, "dsp")
		fm := &fakeMounter{overlayErrs: map[string]error{root: errors.New("ENODEV")}}
		c := newTestComposer(fm, Snapshot{root + "/dsp"})

		if err := c.ComposeRoot(root, nil); err == nil {
			t.Fatal("expected error")
		}
		if len(fm.ops) != 0 {
			t.Errorf("ops after failed root mount = %+v", fm.ops)
		}
	})

	t.Run("children are processed in snapshot order", func(t *testing.T) {
		root := partitionDir(t, "a", "b", "c")
		fm := &fakeMounter{}
		c := newTestComposer(fm, Snapshot{root + "/a", root + "/b", root + "/c"})

		if err := c.ComposeRoot(root, nil); err != nil {
			t.Fatalf("ComposeRoot: %v", err)
		}
		var dests []string
		for _, op := range fm.ops[1:] {
			dests = append(dests, op.dest)
		}
		want := []string{root + "/a", root + "/b", root + "/c"}
		if !reflect.DeepEqual(dests, want) {
			t.Errorf("child order = %v, want %v", dests, want)
		}
	})
}

func TestJoinOptions(t *testing.T) {
	t.Run("comma in a path is rejected", func(t *testing.T) {
		if _, err := joinOptions([]string{"/ok", "/bad,upperdir=/etc"}, ":"); err == nil {
			t.Error("expected rejection of comma-bearing path")
		}
	})

	t.Run("clean paths join", func(t *testing.T) {
		got, err := joinOptions([]string{"/a", "/b"}, ":")
		if err != nil || got != "/a:/b" {
			t.Errorf("got %q, %v", got, err)
		}
	})
}
