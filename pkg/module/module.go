// Package module discovers synced module trees, resolves each one's mount
// mode, and groups auto-mode content by the partitions it touches. It also
// carries the sync step that populates the provisioned store and the
// metadata listing used for JSON reporting.
package module

import "github.com/hymo-mount/hymo/pkg/config"

// Mode is how a module's content reaches the live tree.
type Mode int

const (
	// ModeAuto layers the module into the partition's overlay.
	ModeAuto Mode = iota
	// ModeMagic grafts the module with bind mounts instead; such a module
	// never appears in any partition's overlay layer list.
	ModeMagic
)

// ParseMode resolves a mode-override string; anything but "magic" is auto.
func ParseMode(s string) Mode {
	if s == "magic" {
		return ModeMagic
	}
	return ModeAuto
}

func (m Mode) String() string {
	if m == ModeMagic {
		return "magic"
	}
	return "auto"
}

// Module is one discovered content tree.
type Module struct {
	ID          string
	ContentPath string
}

// Plan is the outcome of one classification scan.
type Plan struct {
	// Partitions maps partition name to the module content roots that
	// carry a subtree for it, in discovery order. The first entry has the
	// highest overlay precedence.
	Partitions map[string][]string
	// Magic holds every module resolved to ModeMagic.
	Magic []Module
}

// AllPartitions returns the fixed enumeration order: the builtin set
// followed by the configured extras.
func AllPartitions(extra []string) []string {
	out := make([]string, 0, len(config.BuiltinPartitions)+len(extra))
	out = append(out, config.BuiltinPartitions...)
	out = append(out, extra...)
	return out
}
