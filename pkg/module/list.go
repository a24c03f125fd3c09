package module

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hymo-mount/hymo/pkg/config"
)

// Info is the JSON shape of one module in the `modules` listing.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

// List returns metadata for every enabled module with partition content
// under dir, sorted by display name.
func List(dir string, overrides map[string]string, extraPartitions []string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("module: read %s: %w", dir, err)
	}

	partitions := AllPartitions(extraPartitions)
	infos := []Info{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if id == config.ReservedID || id == "lost+found" {
			continue
		}
		path := filepath.Join(dir, id)
		if hasMarker(path) || !hasPartitionContent(path, partitions) {
			continue
		}

		prop := filepath.Join(path, "module.prop")
		name := readProp(prop, "name")
		if name == "" {
			name = id
		}
		infos = append(infos, Info{
			ID:          id,
			Name:        name,
			Version:     readProp(prop, "version"),
			Author:      readProp(prop, "author"),
			Description: readProp(prop, "description"),
			Mode:        ParseMode(overrides[id]).String(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// readProp extracts "key=value" from a properties file, empty when absent.
func readProp(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, key+"=") {
			return line[len(key)+1:]
		}
	}
	return ""
}
