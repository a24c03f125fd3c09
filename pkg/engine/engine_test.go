package engine

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/hymo-mount/hymo/pkg/config"
	"github.com/hymo-mount/hymo/pkg/logging"
	"github.com/hymo-mount/hymo/pkg/module"
	"github.com/hymo-mount/hymo/pkg/storage"
)

type fakeProvisioner struct {
	backend storage.Backend
	err     error
}

func (f *fakeProvisioner) Provision(mountDir, imagePath string, forceExt4 bool) (storage.Backend, error) {
	return f.backend, f.err
}

type composeCall struct {
	path   string
	lowers []string
}

type fakeComposer struct {
	errs  map[string]error
	calls []composeCall
}

func (f *fakeComposer) ComposeRoot(partitionPath string, lowerDirs []string) error {
	f.calls = append(f.calls, composeCall{partitionPath, append([]string(nil), lowerDirs...)})
	return f.errs[partitionPath]
}

type fakeMagic struct {
	err   error
	calls [][]string
}

func (f *fakeMagic) MountPartitions(tempDir string, moduleRoots []string, extraPartitions []string) error {
	f.calls = append(f.calls, append([]string(nil), moduleRoots...))
	return f.err
}

type harness struct {
	runner   *Runner
	compose  *fakeComposer
	magic    *fakeMagic
	detached  []string
	nuked     []string
	stealthed int
	base      string
}

func newHarness(t *testing.T, plan *module.Plan, backend storage.Backend) *harness {
	t.Helper()
	base := filepath.Join(t.TempDir(), "store")
	if err := os.MkdirAll(base, 0755); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		compose: &fakeComposer{errs: map[string]error{}},
		magic:   &fakeMagic{},
		base:    base,
	}
	cfg := config.Default()
	h.runner = &Runner{
		cfg:       cfg,
		log:       logging.Component("engine"),
		provision: &fakeProvisioner{backend: backend},
		compose:   h.compose,
		magic:     h.magic,
		sync: func(srcDir, dstBase string, extra []string, log *logrus.Entry) error {
			return nil
		},
		classify: func(root string, overrides map[string]string) (*module.Plan, error) {
			return plan, nil
		},
		detach: func(path string) error {
			h.detached = append(h.detached, path)
			return nil
		},
		decoy:   func() string { return base },
		scratch: func() string { return filepath.Join(t.TempDir(), "scratch") },
		loadNuke: func(mountBase string, log *logrus.Entry) {
			h.nuked = append(h.nuked, mountBase)
		},
		stealth: func(log *logrus.Entry) { h.stealthed++ },
		fsRoot:  "/fake",
	}
	return h
}

func emptyPlan() *module.Plan {
	return &module.Plan{Partitions: map[string][]string{}}
}

func TestRun(t *testing.T) {
	t.Run("overlay everywhere", func(t *testing.T) {
		plan := emptyPlan()
		plan.Partitions["system"] = []string{"/store/a"}
		plan.Partitions["vendor"] = []string{"/store/a", "/store/b"}
		h := newHarness(t, plan, storage.Backend{Kind: storage.KindTmpfs})

		report, err := h.runner.Run()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if report.Partitions["system"] != OutcomeOverlay || report.Partitions["vendor"] != OutcomeOverlay {
			t.Errorf("outcomes = %v", report.Partitions)
		}
		if len(h.magic.calls) != 0 {
			t.Errorf("fallback engaged without failures: %v", h.magic.calls)
		}
		if report.Modules != 3 {
			t.Errorf("Modules = %d, want 3", report.Modules)
		}
		if report.MountBase != h.base {
			t.Errorf("MountBase = %q", report.MountBase)
		}
		if h.stealthed != 1 {
			t.Errorf("stealth step ran %d times", h.stealthed)
		}
	})

	t.Run("lower dirs carry the partition suffix in order", func(t *testing.T) {
		plan := emptyPlan()
		plan.Partitions["vendor"] = []string{"/store/a", "/store/b"}
		h := newHarness(t, plan, storage.Backend{})

		if _, err := h.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h.compose.calls) != 1 {
			t.Fatalf("compose calls = %+v", h.compose.calls)
		}
		call := h.compose.calls[0]
		if call.path != "/fake/vendor" {
			t.Errorf("partition path = %q", call.path)
		}
		want := []string{"/store/a/vendor", "/store/b/vendor"}
		if !reflect.DeepEqual(call.lowers, want) {
			t.Errorf("lowers = %v, want %v", call.lowers, want)
		}
	})

	t.Run("stale store is detached before provisioning", func(t *testing.T) {
		h := newHarness(t, emptyPlan(), storage.Backend{})
		if _, err := h.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h.detached) == 0 || h.detached[0] != h.base {
			t.Errorf("detached = %v", h.detached)
		}
	})

	t.Run("composition failure folds the partition into the fallback", func(t *testing.T) {
		plan := emptyPlan()
		plan.Partitions["system"] = []string{"/store/a"}
		plan.Partitions["vendor"] = []string{"/store/b"}
		h := newHarness(t, plan, storage.Backend{})
		h.compose.errs["/fake/vendor"] = errors.New("EINVAL")

		report, err := h.runner.Run()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if report.Partitions["system"] != OutcomeOverlay || report.Partitions["vendor"] != OutcomeMagic {
			t.Errorf("outcomes = %v", report.Partitions)
		}
		if len(h.magic.calls) != 1 || !reflect.DeepEqual(h.magic.calls[0], []string{"/store/b"}) {
			t.Errorf("fallback roots = %v", h.magic.calls)
		}
	})

	t.Run("module failing on two partitions is queued once", func(t *testing.T) {
		plan := emptyPlan()
		plan.Partitions["system"] = []string{"/store/a"}
		plan.Partitions["vendor"] = []string{"/store/a"}
		h := newHarness(t, plan, storage.Backend{})
		h.compose.errs["/fake/system"] = errors.New("EINVAL")
		h.compose.errs["/fake/vendor"] = errors.New("EINVAL")

		if _, err := h.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h.magic.calls) != 1 || !reflect.DeepEqual(h.magic.calls[0], []string{"/store/a"}) {
			t.Errorf("fallback roots = %v", h.magic.calls)
		}
	})

	t.Run("pinned modules reach the fallback even without failures", func(t *testing.T) {
		plan := emptyPlan()
		plan.Magic = []module.Module{{ID: "m", ContentPath: "/store/m"}}
		h := newHarness(t, plan, storage.Backend{})

		report, err := h.runner.Run()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h.magic.calls) != 1 || !reflect.DeepEqual(h.magic.calls[0], []string{"/store/m"}) {
			t.Errorf("fallback roots = %v", h.magic.calls)
		}
		if report.Modules != 1 {
			t.Errorf("Modules = %d, want 1", report.Modules)
		}
	})

	t.Run("fallback failure marks the folded partitions failed", func(t *testing.T) {
		plan := emptyPlan()
		plan.Partitions["vendor"] = []string{"/store/b"}
		h := newHarness(t, plan, storage.Backend{})
		h.compose.errs["/fake/vendor"] = errors.New("EINVAL")
		h.magic.err = errors.New("EBUSY")

		report, err := h.runner.Run()
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if report.Partitions["vendor"] != OutcomeFailed {
			t.Errorf("vendor outcome = %v", report.Partitions["vendor"])
		}
	})

	t.Run("provision failure aborts the run", func(t *testing.T) {
		h := newHarness(t, emptyPlan(), storage.Backend{})
		h.runner.provision = &fakeProvisioner{err: errors.New("ENOSPC")}

		if _, err := h.runner.Run(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("nuke loads only on ext4 with the feature enabled", func(t *testing.T) {
		h := newHarness(t, emptyPlan(), storage.Backend{Kind: storage.KindExt4})
		h.runner.cfg.EnableNuke = true
		if _, err := h.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h.nuked) != 1 || h.nuked[0] != h.base {
			t.Errorf("nuke calls = %v", h.nuked)
		}

		h2 := newHarness(t, emptyPlan(), storage.Backend{Kind: storage.KindTmpfs})
		h2.runner.cfg.EnableNuke = true
		if _, err := h2.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(h2.nuked) != 0 {
			t.Errorf("nuke loaded on tmpfs backend: %v", h2.nuked)
		}
	})

	t.Run("scratch directory is removed after the fallback", func(t *testing.T) {
		plan := emptyPlan()
		plan.Magic = []module.Module{{ID: "m", ContentPath: "/store/m"}}
		h := newHarness(t, plan, storage.Backend{})
		scratch := filepath.Join(t.TempDir(), "scratch")
		h.runner.scratch = func() string { return scratch }

		if _, err := h.runner.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if _, err := os.Stat(scratch); !os.IsNotExist(err) {
			t.Errorf("scratch dir survived the run: %v", err)
		}
	})
}

func TestDecoyFromMounts(t *testing.T) {
	t.Run("first tmpfs candidate wins", func(t *testing.T) {
		mounts := strings.Join([]string{
			"proc /proc proc rw 0 0",
			"tmpfs /sbin tmpfs rw 0 0",
			"tmpfs /debug_ramdisk tmpfs rw 0 0",
		}, "\n")
		if got := decoyFromMounts(strings.NewReader(mounts)); got != "/debug_ramdisk" {
			t.Errorf("decoy = %q", got)
		}
	})

	t.Run("non-tmpfs candidate is ignored", func(t *testing.T) {
		mounts := "/dev/block/dm-0 /debug_ramdisk ext4 rw 0 0\n"
		if got := decoyFromMounts(strings.NewReader(mounts)); got != config.FallbackContentDir {
			t.Errorf("decoy = %q", got)
		}
	})

	t.Run("no candidate falls back", func(t *testing.T) {
		if got := decoyFromMounts(strings.NewReader("proc /proc proc rw 0 0\n")); got != config.FallbackContentDir {
			t.Errorf("decoy = %q", got)
		}
	})
}

func TestOutcomeString(t *testing.T) {
	if OutcomeOverlay.String() != "overlay" || OutcomeMagic.String() != "magic" || OutcomeFailed.String() != "failed" {
		t.Error("outcome strings drifted")
	}
}
