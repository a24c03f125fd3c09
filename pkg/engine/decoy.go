package engine

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/hymo-mount/hymo/pkg/config"
)

// decoyCandidates are mount points that normally carry an innocuous tmpfs on
// stock devices. Parking the module store under one keeps the mount table
// free of a new suspicious entry.
var decoyCandidates = []string{
	"/debug_ramdisk",
	"/sbin",
	"/mnt/vendor",
}

// DecoyMountPoint picks where the module store gets mounted: the first decoy
// candidate that already carries a tmpfs, or the fixed fallback directory.
func DecoyMountPoint() string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return config.FallbackContentDir
	}
	defer f.Close()
	return decoyFromMounts(f)
}

func decoyFromMounts(r io.Reader) string {
	tmpfs := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == "tmpfs" {
			tmpfs[fields[1]] = true
		}
	}
	for _, cand := range decoyCandidates {
		if tmpfs[cand] {
			return cand
		}
	}
	return config.FallbackContentDir
}
