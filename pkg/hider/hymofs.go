package hider

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// HymoDevicePath is the control device for the directory-injection driver.
const HymoDevicePath = "/dev/hymo_ctl"

const (
	hymoMagic = 0xE0

	// ExpectedProtocolVersion is the driver protocol revision this build
	// speaks. Anything else is a mismatch, in either direction.
	ExpectedProtocolVersion = 4
)

// Directory-entry type codes as the driver reports them to readdir.
const (
	typeDir     = 4
	typeRegular = 8
	typeSymlink = 10
)

// ruleArg is the argument record for rule ioctls. The string pointers are
// caller-owned and valid only for the duration of the call; the driver
// copies them before returning.
type ruleArg struct {
	src    *byte
	target *byte
	typ    int32
}

var (
	opAddRule    = ioWrite(hymoMagic, 1, uint32(unsafe.Sizeof(ruleArg{})))
	opDelRule    = ioWrite(hymoMagic, 2, uint32(unsafe.Sizeof(ruleArg{})))
	opHideRule   = ioWrite(hymoMagic, 3, uint32(unsafe.Sizeof(ruleArg{})))
	opInjectRule = ioWrite(hymoMagic, 4, uint32(unsafe.Sizeof(ruleArg{})))
	opClearAll   = ioNone(hymoMagic, 5)
	opGetVersion = ioRead(hymoMagic, 6, 4)
)

// Rule is one instruction for the directory-injection driver.
type Rule interface {
	// encode builds the argument record. The returned byte buffers keep
	// the record's pointers alive until the ioctl returns.
	encode() (ruleArg, uint32, []*byte, error)
}

// RedirectRule maps lookups of Src to the real path Target, presenting it
// with the given directory-entry type.
type RedirectRule struct {
	Src    string
	Target string
	Type   int32
}

// HideRule removes Path from directory listings and lookups.
type HideRule struct {
	Path string
}

// InjectRule registers Dir as a virtual namespace the driver populates.
type InjectRule struct {
	Dir string
}

func (r RedirectRule) encode() (ruleArg, uint32, []*byte, error) {
	src, err := unix.BytePtrFromString(r.Src)
	if err != nil {
		return ruleArg{}, 0, nil, fmt.Errorf("hider: encode redirect src: %w", err)
	}
	target, err := unix.BytePtrFromString(r.Target)
	if err != nil {
		return ruleArg{}, 0, nil, fmt.Errorf("hider: encode redirect target: %w", err)
	}
	return ruleArg{src: src, target: target, typ: r.Type}, opAddRule, []*byte{src, target}, nil
}

func (r HideRule) encode() (ruleArg, uint32, []*byte, error) {
	path, err := unix.BytePtrFromString(r.Path)
	if err != nil {
		return ruleArg{}, 0, nil, fmt.Errorf("hider: encode hide path: %w", err)
	}
	return ruleArg{src: path}, opHideRule, []*byte{path}, nil
}

func (r InjectRule) encode() (ruleArg, uint32, []*byte, error) {
	dir, err := unix.BytePtrFromString(r.Dir)
	if err != nil {
		return ruleArg{}, 0, nil, fmt.Errorf("hider: encode inject dir: %w", err)
	}
	return ruleArg{src: dir}, opInjectRule, []*byte{dir}, nil
}

// Status classifies driver availability. The two version-mismatch cases are
// distinct: a kernel behind userspace needs a driver update, userspace
// behind the kernel needs a tool update. Collapsing them would send users
// chasing the wrong half.
type Status int

const (
	Available Status = iota
	NotPresent
	KernelTooOld
	ModuleTooOld
)

func (s Status) String() string {
	switch s {
	case Available:
		return "available"
	case NotPresent:
		return "not present"
	case KernelTooOld:
		return "kernel driver too old"
	case ModuleTooOld:
		return "userspace module too old"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Hymo drives the directory-injection driver.
type Hymo struct {
	t   Transport
	log *logrus.Entry
}

// OpenHymo opens the injection driver's control device.
func OpenHymo() (*Hymo, error) {
	t, err := openDevice(HymoDevicePath)
	if err != nil {
		return nil, err
	}
	return NewHymo(t), nil
}

// NewHymo wraps an existing transport; used by tests.
func NewHymo(t Transport) *Hymo {
	return &Hymo{t: t, log: logging.Component("hymofs")}
}

// Close releases the control device.
func (h *Hymo) Close() error {
	return h.t.Close()
}

// Version queries the driver's protocol revision.
func (h *Hymo) Version() (int32, error) {
	var version int32
	if err := h.t.Ioctl(opGetVersion, unsafe.Pointer(&version)); err != nil {
		return 0, fmt.Errorf("hider: get driver version: %w", err)
	}
	return version, nil
}

// Clear drops every rule from the driver's table.
func (h *Hymo) Clear() error {
	if err := h.t.Ioctl(opClearAll, nil); err != nil {
		return fmt.Errorf("hider: clear rules: %w", err)
	}
	return nil
}

// status classifies a driver reached through t.
func (h *Hymo) status() Status {
	version, err := h.Version()
	if err != nil {
		return NotPresent
	}
	if version < ExpectedProtocolVersion {
		h.log.Warnf("protocol mismatch: driver speaks v%d, this build speaks v%d", version, ExpectedProtocolVersion)
		return KernelTooOld
	}
	if version > ExpectedProtocolVersion {
		h.log.Warnf("protocol mismatch: driver speaks v%d, this build speaks v%d", version, ExpectedProtocolVersion)
		return ModuleTooOld
	}
	return Available
}

// CheckStatus probes the control device and classifies availability.
// The version handshake always precedes any other verb.
func CheckStatus() Status {
	h, err := OpenHymo()
	if err != nil {
		return NotPresent
	}
	defer h.Close()
	return h.status()
}

// IsAvailable reports whether the driver is usable by this build.
func IsAvailable() bool {
	return CheckStatus() == Available
}

// Apply submits a batch of rules. Each rule's failure is logged and
// skipped; the batch never aborts early, because partial stealth coverage
// beats none.
func (h *Hymo) Apply(rules []Rule) {
	for _, rule := range rules {
		arg, op, bufs, err := rule.encode()
		if err != nil {
			h.log.Warnf("skipping unencodable rule %+v: %v", rule, err)
			continue
		}
		if err := h.t.Ioctl(op, unsafe.Pointer(&arg)); err != nil {
			h.log.Warnf("rule %+v rejected by driver: %v", rule, err)
		}
		// The driver copies the strings during the ioctl; keep the
		// buffers alive until it returns.
		runtime.KeepAlive(bufs)
	}
}

// InjectDirectory walks moduleDir in pre-order and registers the rules that
// make its contents appear under targetBase: directories become injected
// virtual namespaces redirected to the real module directory, zero-device
// character nodes become hide rules (stub placeholders masking a real
// entry), and everything else becomes a redirect typed as symlink or
// regular file. The whole walk is submitted as one batch.
func (h *Hymo) InjectDirectory(targetBase, moduleDir string) error {
	fi, err := os.Stat(moduleDir)
	if err != nil || !fi.IsDir() {
		return nil
	}

	rules := []Rule{InjectRule{Dir: targetBase}}
	err = filepath.WalkDir(moduleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == moduleDir {
			return nil
		}
		rel, err := filepath.Rel(moduleDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(targetBase, rel)

		switch {
		case d.Type()&fs.ModeCharDevice != 0:
			info, err := d.Info()
			if err != nil {
				return err
			}
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
				rules = append(rules, HideRule{Path: target})
			}
		case d.IsDir():
			rules = append(rules,
				InjectRule{Dir: target},
				RedirectRule{Src: target, Target: path, Type: typeDir},
			)
		case d.Type()&fs.ModeSymlink != 0:
			rules = append(rules, RedirectRule{Src: target, Target: path, Type: typeSymlink})
		default:
			rules = append(rules, RedirectRule{Src: target, Target: path, Type: typeRegular})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hider: walk %s: %w", moduleDir, err)
	}

	h.Apply(rules)
	h.log.Debugf("injected %d rules for %s", len(rules), targetBase)
	return nil
}
