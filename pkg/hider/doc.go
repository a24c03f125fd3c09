// Package hider drives the cooperating kernel drivers that hide, redirect,
// merge, or spoof individual files, the stealth complement to the union
// mounts built by pkg/overlay.
//
// Two drivers exist with different wire protocols. [Client] speaks the
// fixed-buffer protocol (NUL-padded name and pair buffers, fixed-layout
// spoof struct). [Hymo] speaks the pointer-record protocol of the
// directory-injection driver and gates every use on an exact protocol
// version match. Both reject oversized input before issuing any syscall
// and are isolated behind [Transport] so tests can assert encodings
// without a device or elevated privilege.
package hider
