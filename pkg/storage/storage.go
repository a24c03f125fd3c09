// Package storage provisions the working filesystem that holds synced
// module content for one run. It prefers a memory-backed tmpfs (fast, no
// disk artifacts) and falls back to an ext4 image over a loop device when
// tmpfs is unavailable or cannot carry the extended attributes the security
// label model requires.
package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// Kind identifies which backend ended up mounted.
type Kind int

const (
	KindTmpfs Kind = iota
	KindExt4
)

func (k Kind) String() string {
	switch k {
	case KindTmpfs:
		return "tmpfs"
	case KindExt4:
		return "ext4"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Backend describes the filesystem mounted at the content directory.
type Backend struct {
	Kind Kind
	// LoopDevice is the attached device path for KindExt4, e.g.
	// /dev/loop7. The device carries the autoclear flag, so it returns
	// to the free pool when the filesystem is unmounted.
	LoopDevice string
}

// ErrImageMissing is returned when tmpfs is not usable and the ext4 image
// file does not exist.
var ErrImageMissing = errors.New("storage: modules image not found")

// ops abstracts the syscall surface so the fallback chain is testable.
type ops interface {
	mountTmpfs(dir string) error
	xattrSupported(dir string) bool
	unmountDetach(dir string) error
	attachLoop(imagePath string) (string, error)
	mountExt4(device, dir string) error
}

// Provisioner selects and mounts the storage backend.
type Provisioner struct {
	ops ops
	log *logrus.Entry
}

// NewProvisioner returns a provisioner backed by real mount syscalls.
func NewProvisioner() *Provisioner {
	return &Provisioner{ops: unixOps{}, log: logging.Component("storage")}
}

// Provision mounts exactly one filesystem at mountDir and reports which.
//
// Order of attempts: tmpfs (skipped when forceExt4), then the ext4 image
// over a fresh loop device. A tmpfs that mounts but cannot store extended
// attributes is unmounted again: modules need security labels, and a store
// that silently drops them would produce unlabeled files on the live tree.
func (p *Provisioner) Provision(mountDir, imagePath string, forceExt4 bool) (Backend, error) {
	if forceExt4 {
		p.log.Info("force_ext4 set, skipping tmpfs")
	} else {
		if err := p.ops.mountTmpfs(mountDir); err != nil {
			p.log.Warnf("tmpfs mount failed: %v, falling back to image", err)
		} else {
			if p.ops.xattrSupported(mountDir) {
				p.log.Info("tmpfs backend active")
				return Backend{Kind: KindTmpfs}, nil
			}
			p.log.Warn("tmpfs lacks xattr support, unmounting")
			if err := p.ops.unmountDetach(mountDir); err != nil {
				return Backend{}, fmt.Errorf("storage: unmount xattr-less tmpfs at %s: %w", mountDir, err)
			}
		}
	}

	if _, err := os.Stat(imagePath); err != nil {
		return Backend{}, fmt.Errorf("%w: %s", ErrImageMissing, imagePath)
	}
	device, err := p.ops.attachLoop(imagePath)
	if err != nil {
		return Backend{}, fmt.Errorf("storage: attach %s: %w", imagePath, err)
	}
	if err := p.ops.mountExt4(device, mountDir); err != nil {
		return Backend{}, fmt.Errorf("storage: mount %s at %s: %w", device, mountDir, err)
	}
	p.log.Infof("ext4 backend active on %s", device)
	return Backend{Kind: KindExt4, LoopDevice: device}, nil
}
