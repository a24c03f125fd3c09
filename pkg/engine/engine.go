// Package engine drives one full mount cycle: provision the module store,
// sync and classify modules, compose the overlay stack per partition, and
// run the bind-mount fallback for whatever could not be composed.
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/internal/shared"
	"github.com/hymo-mount/hymo/pkg/config"
	"github.com/hymo-mount/hymo/pkg/logging"
	"github.com/hymo-mount/hymo/pkg/magic"
	"github.com/hymo-mount/hymo/pkg/module"
	"github.com/hymo-mount/hymo/pkg/overlay"
	"github.com/hymo-mount/hymo/pkg/storage"
)

// Outcome is the final mount state of one partition.
type Outcome int

const (
	// OutcomeOverlay: the partition carries its overlay stack.
	OutcomeOverlay Outcome = iota
	// OutcomeMagic: composition failed and the bind-mount fallback took
	// the partition's modules instead.
	OutcomeMagic
	// OutcomeFailed: both strategies failed; the partition is stock.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOverlay:
		return "overlay"
	case OutcomeMagic:
		return "magic"
	default:
		return "failed"
	}
}

// Report summarizes one run for the CLI.
type Report struct {
	Backend    storage.Backend
	MountBase  string
	Modules    int
	Partitions map[string]Outcome
}

type provisioner interface {
	Provision(mountDir, imagePath string, forceExt4 bool) (storage.Backend, error)
}

type composer interface {
	ComposeRoot(partitionPath string, lowerDirs []string) error
}

type magicMounter interface {
	MountPartitions(tempDir string, moduleRoots []string, extraPartitions []string) error
}

// Runner holds the collaborators for one mount cycle. Every side-effecting
// dependency sits behind a seam so the pipeline is testable without root.
type Runner struct {
	cfg *config.Config
	log *logrus.Entry

	provision provisioner
	compose   composer
	magic     magicMounter
	sync      func(srcDir, dstBase string, extraPartitions []string, log *logrus.Entry) error
	classify  func(populatedRoot string, overrides map[string]string) (*module.Plan, error)
	detach    func(path string) error
	decoy     func() string
	scratch   func() string
	loadNuke  func(mountBase string, log *logrus.Entry)
	stealth   func(log *logrus.Entry)

	// fsRoot is where partitions live; "/" outside of tests.
	fsRoot string
}

// NewRunner wires a runner with real storage, overlay, and magic backends.
func NewRunner(cfg *config.Config) *Runner {
	log := logging.Component("engine")
	return &Runner{
		cfg:       cfg,
		log:       log,
		provision: storage.NewProvisioner(),
		compose:   overlay.NewComposer(cfg.MountSource),
		magic:     magic.NewEngine(cfg.MountSource),
		sync:      module.Sync,
		classify: func(root string, overrides map[string]string) (*module.Plan, error) {
			return module.NewClassifier(afero.NewOsFs(), cfg.Partitions, logging.Component("module")).Classify(root, overrides)
		},
		detach: func(path string) error {
			return unix.Unmount(path, unix.MNT_DETACH)
		},
		decoy:    DecoyMountPoint,
		scratch:  shared.RandomMountDir,
		loadNuke: loadNuke,
		stealth:  hideTraces,
		fsRoot:   "/",
	}
}

// Run executes the full cycle and reports per-partition outcomes. Partition
// failures never abort the run; the returned error covers only conditions
// that leave no module mounted at all.
func (r *Runner) Run() (*Report, error) {
	mountBase := r.decoy()
	r.log.Infof("module store at %s", mountBase)

	// A previous crashed run may have left the store mounted.
	if shared.Exists(mountBase) {
		_ = r.detach(mountBase)
	}

	backend, err := r.provision.Provision(mountBase, config.ModulesImage, r.cfg.ForceExt4)
	if err != nil {
		return nil, fmt.Errorf("engine: provision store: %w", err)
	}
	r.log.Infof("store provisioned (%s)", backend.Kind)

	if err := r.sync(r.cfg.ModuleDir, mountBase, r.cfg.Partitions, r.log); err != nil {
		// The store may still hold a usable previous sync.
		r.log.Errorf("module sync failed: %v", err)
	}

	overrides, err := config.LoadModuleModes(config.ModeFile)
	if err != nil {
		return nil, fmt.Errorf("engine: mode overrides: %w", err)
	}
	plan, err := r.classify(mountBase, overrides)
	if err != nil {
		return nil, fmt.Errorf("engine: classify modules: %w", err)
	}

	report := &Report{
		Backend:    backend,
		MountBase:  mountBase,
		Partitions: map[string]Outcome{},
	}

	// Magic-pinned modules are queued up front; overlay failures append
	// their partition's modules behind them.
	var magicRoots []string
	queued := map[string]bool{}
	enqueue := func(root string) {
		if !queued[root] {
			queued[root] = true
			magicRoots = append(magicRoots, root)
		}
	}
	for _, m := range plan.Magic {
		enqueue(m.ContentPath)
	}
	report.Modules = len(plan.Magic)

	var pending []string
	for _, part := range module.AllPartitions(r.cfg.Partitions) {
		layers := plan.Partitions[part]
		if len(layers) == 0 {
			continue
		}
		report.Modules += len(layers)

		lowers := make([]string, 0, len(layers))
		for _, root := range layers {
			lowers = append(lowers, filepath.Join(root, part))
		}
		if err := r.compose.ComposeRoot(filepath.Join(r.fsRoot, part), lowers); err != nil {
			r.log.Errorf("overlay for %s failed: %v, queueing %d modules for fallback", part, err, len(layers))
			for _, root := range layers {
				enqueue(root)
			}
			report.Partitions[part] = OutcomeMagic
			pending = append(pending, part)
			continue
		}
		report.Partitions[part] = OutcomeOverlay
	}

	if len(magicRoots) > 0 {
		if err := r.runMagic(magicRoots); err != nil {
			r.log.Errorf("fallback mount failed: %v", err)
			for _, part := range pending {
				report.Partitions[part] = OutcomeFailed
			}
		}
	}

	if backend.Kind == storage.KindExt4 && r.cfg.EnableNuke {
		r.loadNuke(mountBase, r.log)
	}
	r.stealth(r.log)
	return report, nil
}

// runMagic hands the queued module roots to the fallback engine inside a
// scoped scratch directory, created before and always torn down after.
func (r *Runner) runMagic(roots []string) error {
	tempDir := r.cfg.TempDir
	if tempDir == "" {
		tempDir = r.scratch()
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("engine: scratch dir %s: %w", tempDir, err)
	}
	defer func() {
		_ = r.detach(tempDir)
		_ = os.RemoveAll(tempDir)
	}()

	r.log.Infof("fallback engine handling %d module roots", len(roots))
	return r.magic.MountPartitions(tempDir, roots, r.cfg.Partitions)
}
