package config

// Filesystem locations and marker names used across the engine. Paths follow
// the /data/adb layout that Android module managers share.
const (
	// BaseDir holds the engine's own state: image, config, run directory.
	BaseDir = "/data/adb/hymo"

	// ModulesDir is where the manager installs module trees before sync.
	ModulesDir = "/data/adb/modules"

	// ModulesImage is the ext4 image used when tmpfs is not viable.
	ModulesImage = BaseDir + "/modules.img"

	RunDir        = BaseDir + "/run"
	DaemonLogFile = RunDir + "/daemon.log"

	// DefaultConfigFile is the YAML config consulted when -c is not given.
	DefaultConfigFile = BaseDir + "/config.yaml"

	// ModeFile maps module id -> mount mode ("auto" or "magic").
	ModeFile = BaseDir + "/modes.yaml"

	// LKMDir holds prebuilt stealth kernel modules keyed by kernel release.
	LKMDir = BaseDir + "/lkm"

	// FallbackContentDir receives synced module content when no decoy
	// mount point is available.
	FallbackContentDir = "/debug_ramdisk"

	// ReservedID is this tool's own module directory; it is never treated
	// as mountable content.
	ReservedID = "hymo"

	DisableFileName   = "disable"
	RemoveFileName    = "remove"
	SkipMountFileName = "skip_mount"

	// ReplaceDirFileName marks a module directory that replaces the stock
	// directory wholesale instead of merging into it.
	ReplaceDirFileName = ".replace"

	// DefaultMountSource is the source label stamped on every mount the
	// engine creates, so cooperating tools can recognize them.
	DefaultMountSource = "KSU"
)

// BuiltinPartitions is the fixed enumeration order used when grouping
// module content by partition. Configured extra partitions follow this list.
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem"}
