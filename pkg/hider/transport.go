package hider

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Transport issues ioctl requests against a hide-rule driver. The arg
// pointer is owned by the caller and valid only for the duration of the
// call; implementations must not retain it. Isolating the syscall behind
// this interface lets tests substitute a fake and assert exact encodings.
type Transport interface {
	Ioctl(req uint32, arg unsafe.Pointer) error
	Close() error
}

// devTransport drives a real character device.
type devTransport struct {
	f *os.File
}

// openDevice opens a driver control device read/write.
func openDevice(path string) (Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hider: open control device %s: %w", path, err)
	}
	return &devTransport{f: f}, nil
}

func (t *devTransport) Ioctl(req uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *devTransport) Close() error {
	return t.f.Close()
}
