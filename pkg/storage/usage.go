package storage

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/hymo-mount/hymo/internal/shared"
)

// Usage reports space consumption of the mounted content store.
type Usage struct {
	Size    string `json:"size"`
	Used    string `json:"used"`
	Percent string `json:"percent"`
}

// ReadUsage returns human-formatted usage for the filesystem at path.
func ReadUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("storage: statfs %s: %w", path, err)
	}

	blockSize := uint64(st.Frsize)
	total := st.Blocks * blockSize
	free := st.Bfree * blockSize
	used := total - free
	if free > total {
		used = 0
	}

	percent := 0.0
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	return Usage{
		Size:    shared.FormatSize(total),
		Used:    shared.FormatSize(used),
		Percent: fmt.Sprintf("%.0f%%", percent),
	}, nil
}
