// Command hymo runs one hybrid mount cycle: it provisions the module store,
// composes overlayfs stacks per partition, and falls back to bind-mount
// grafting where composition fails. Inspection verbs report storage usage
// and module metadata as JSON for the companion UI.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hymo-mount/hymo/pkg/config"
	"github.com/hymo-mount/hymo/pkg/engine"
	"github.com/hymo-mount/hymo/pkg/hider"
	"github.com/hymo-mount/hymo/pkg/logging"
	"github.com/hymo-mount/hymo/pkg/module"
	"github.com/hymo-mount/hymo/pkg/storage"
	"github.com/hymo-mount/hymo/pkg/version"
)

func main() {
	flags := pflag.NewFlagSet("hymo", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hymo [flags] [verb]

Verbs:
  run          mount all modules (default)
  gen-config   write a default config file
  show-config  print the effective config
  storage      report module store usage as JSON
  modules      list modules as JSON
  driver       report hide-driver availability as JSON
  ctl          drive the rule-table driver directly (see hymo ctl)

Flags:
%s`, flags.FlagUsages())
	}

	configPath := flags.StringP("config", "c", config.DefaultConfigFile, "config file path")
	moduleDir := flags.StringP("moduledir", "m", "", "override module source directory")
	tempDir := flags.StringP("tempdir", "t", "", "override fallback scratch directory")
	mountSource := flags.StringP("mountsource", "s", "", "override mount source label")
	partitions := flags.StringSliceP("partitions", "p", nil, "extra partitions beyond the builtin set")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	cfg.MergeCLI(config.CLIOverrides{
		ModuleDir:   *moduleDir,
		TempDir:     *tempDir,
		MountSource: *mountSource,
		Verbose:     *verbose,
		Partitions:  *partitions,
	})

	switch verb := flags.Arg(0); verb {
	case "", "run":
		run(cfg)
	case "gen-config":
		out := flags.Arg(1)
		if out == "" {
			out = config.DefaultConfigFile
		}
		if err := config.Default().SaveToFile(out); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", out)
	case "show-config":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			fatal(err)
		}
		os.Stdout.Write(data)
	case "storage":
		reportStorage()
	case "modules":
		reportModules(cfg)
	case "driver":
		reportDriver()
	case "ctl":
		runCtl(flags.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "hymo: unknown verb %q\n", verb)
		flags.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) {
	if err := logging.Init(cfg.Verbose, config.DaemonLogFile); err != nil {
		// Keep going on stderr; boot-time mounting matters more than the
		// log file.
		fmt.Fprintf(os.Stderr, "hymo: %v\n", err)
	}
	log := logging.Component("main")
	log.Infof("hybrid mount starting, version %s", version.String())

	report, err := engine.NewRunner(cfg).Run()
	if err != nil {
		log.Errorf("run aborted: %v", err)
		fatal(err)
	}

	for part, outcome := range report.Partitions {
		log.Infof("partition %s: %s", part, outcome)
	}
	log.Infof("hybrid mount completed: %d module layers, store %s (%s)",
		report.Modules, report.MountBase, report.Backend.Kind)
}

// storageStatus is the JSON shape the companion UI consumes.
type storageStatus struct {
	Mounted bool   `json:"mounted"`
	Path    string `json:"path"`
	Size    string `json:"size,omitempty"`
	Used    string `json:"used,omitempty"`
	Percent string `json:"percent,omitempty"`
	Error   string `json:"error,omitempty"`
}

func reportStorage() {
	path := engine.DecoyMountPoint()
	status := storageStatus{Path: path}

	usage, err := storage.ReadUsage(path)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Mounted = true
		status.Size = usage.Size
		status.Used = usage.Used
		status.Percent = usage.Percent
	}
	printJSON(status)
}

func reportModules(cfg *config.Config) {
	overrides, err := config.LoadModuleModes(config.ModeFile)
	if err != nil {
		fatal(err)
	}
	infos, err := module.List(cfg.ModuleDir, overrides, cfg.Partitions)
	if err != nil {
		fatal(err)
	}
	printJSON(infos)
}

// driverStatus is the JSON shape the companion UI consumes.
type driverStatus struct {
	Status    string `json:"status"`
	Available bool   `json:"available"`
	Version   int32  `json:"version,omitempty"`
}

func reportDriver() {
	status := hider.CheckStatus()
	out := driverStatus{Status: status.String(), Available: status == hider.Available}
	if h, err := hider.OpenHymo(); err == nil {
		if v, err := h.Version(); err == nil {
			out.Version = v
		}
		h.Close()
	}
	printJSON(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "hymo: %v\n", err)
	os.Exit(1)
}
