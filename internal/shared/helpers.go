// Package shared provides small utility functions used by both the engine
// and the CLI binary.
package shared

import (
	crand "crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// FormatSize renders a byte count the way df does: 1.5G, 200M, 64K, 512B.
func FormatSize(bytes uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1fG", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.0fM", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.0fK", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}

const mountDirAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomMountDir returns a path under /mnt with a random 10-character name,
// used as scratch space for the magic mount engine. A fresh random name per
// run avoids a predictable path an observer could watch for.
func RandomMountDir() string {
	buf := make([]byte, 10)
	if _, err := crand.Read(buf); err != nil {
		// crypto/rand failing means the kernel RNG is broken; a fixed
		// name is still functional, just observable.
		return "/mnt/hymo_tmp"
	}
	for i, b := range buf {
		buf[i] = mountDirAlphabet[int(b)%len(mountDirAlphabet)]
	}
	return filepath.Join("/mnt", string(buf))
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Exists reports whether path exists at all (any file type).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
