package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hymo-mount/hymo/pkg/logging"
)

// fakeOps scripts the syscall surface and records the calls made.
type fakeOps struct {
	tmpfsErr   error
	xattrOK    bool
	unmountErr error
	attachErr  error
	mountErr   error
	device     string

	calls []string
}

func (f *fakeOps) mountTmpfs(dir string) error {
	f.calls = append(f.calls, "tmpfs")
	return f.tmpfsErr
}

func (f *fakeOps) xattrSupported(dir string) bool {
	f.calls = append(f.calls, "xattr")
	return f.xattrOK
}

func (f *fakeOps) unmountDetach(dir string) error {
	f.calls = append(f.calls, "unmount")
	return f.unmountErr
}

func (f *fakeOps) attachLoop(imagePath string) (string, error) {
	f.calls = append(f.calls, "attach")
	if f.attachErr != nil {
		return "", f.attachErr
	}
	if f.device == "" {
		return "/dev/loop0", nil
	}
	return f.device, nil
}

func (f *fakeOps) mountExt4(device, dir string) error {
	f.calls = append(f.calls, "ext4")
	return f.mountErr
}

func newTestProvisioner(ops ops) *Provisioner {
	return &Provisioner{ops: ops, log: logging.Component("storage")}
}

// existingImage creates a placeholder image file and returns its path.
func existingImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modules.img")
	if err := os.WriteFile(path, []byte{0}, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProvision(t *testing.T) {
	t.Run("tmpfs with xattr support wins", func(t *testing.T) {
		ops := &fakeOps{xattrOK: true}
		backend, err := newTestProvisioner(ops).Provision("/mnt/x", existingImage(t), false)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}
		if backend.Kind != KindTmpfs {
			t.Errorf("Kind = %v, want tmpfs", backend.Kind)
		}
		if len(ops.calls) != 2 || ops.calls[0] != "tmpfs" || ops.calls[1] != "xattr" {
			t.Errorf("calls = %v", ops.calls)
		}
	})

	t.Run("tmpfs without xattr is unmounted and ext4 used", func(t *testing.T) {
		ops := &fakeOps{xattrOK: false, device: "/dev/loop3"}
		backend, err := newTestProvisioner(ops).Provision("/mnt/x", existingImage(t), false)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}
		if backend.Kind != KindExt4 {
			t.Fatalf("Kind = %v, want ext4 (never tmpfs without xattr)", backend.Kind)
		}
		if backend.LoopDevice != "/dev/loop3" {
			t.Errorf("LoopDevice = %q", backend.LoopDevice)
		}
		want := []string{"tmpfs", "xattr", "unmount", "attach", "ext4"}
		if len(ops.calls) != len(want) {
			t.Fatalf("calls = %v, want %v", ops.calls, want)
		}
		for i := range want {
			if ops.calls[i] != want[i] {
				t.Errorf("call %d = %q, want %q", i, ops.calls[i], want[i])
			}
		}
	})

	t.Run("tmpfs mount failure falls through to ext4", func(t *testing.T) {
		ops := &fakeOps{tmpfsErr: errors.New("EPERM")}
		backend, err := newTestProvisioner(ops).Provision("/mnt/x", existingImage(t), false)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}
		if backend.Kind != KindExt4 {
			t.Errorf("Kind = %v, want ext4", backend.Kind)
		}
		for _, c := range ops.calls {
			if c == "xattr" || c == "unmount" {
				t.Errorf("unexpected %q call after failed tmpfs mount", c)
			}
		}
	})

	t.Run("forceExt4 never touches tmpfs", func(t *testing.T) {
		ops := &fakeOps{xattrOK: true}
		backend, err := newTestProvisioner(ops).Provision("/mnt/x", existingImage(t), true)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}
		if backend.Kind != KindExt4 {
			t.Errorf("Kind = %v, want ext4", backend.Kind)
		}
		if ops.calls[0] != "attach" {
			t.Errorf("first call = %q, want attach", ops.calls[0])
		}
	})

	t.Run("missing image is ErrImageMissing", func(t *testing.T) {
		ops := &fakeOps{xattrOK: false}
		_, err := newTestProvisioner(ops).Provision("/mnt/x", filepath.Join(t.TempDir(), "absent.img"), true)
		if !errors.Is(err, ErrImageMissing) {
			t.Errorf("err = %v, want ErrImageMissing", err)
		}
	})

	t.Run("loop attach failure is fatal", func(t *testing.T) {
		ops := &fakeOps{attachErr: errors.New("no free loop devices")}
		if _, err := newTestProvisioner(ops).Provision("/mnt/x", existingImage(t), true); err == nil {
			t.Error("expected error, got nil")
		}
	})
}
