package module

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hymo-mount/hymo/pkg/config"
)

// Classifier scans a populated storage root and builds the partition plan.
// It works through an afero filesystem so scans are testable in memory.
type Classifier struct {
	fs    afero.Fs
	log   *logrus.Entry
	extra []string
}

// NewClassifier returns a classifier for the given filesystem and extra
// partition names.
func NewClassifier(fsys afero.Fs, extraPartitions []string, log *logrus.Entry) *Classifier {
	return &Classifier{fs: fsys, extra: extraPartitions, log: log}
}

// Classify scans populatedRoot and groups eligible modules. overrides maps
// module id to a mode string; absent ids default to auto. I/O failures on a
// single module are logged and skip that module only.
func (c *Classifier) Classify(populatedRoot string, overrides map[string]string) (*Plan, error) {
	entries, err := afero.ReadDir(c.fs, populatedRoot)
	if err != nil {
		return nil, fmt.Errorf("module: read storage root %s: %w", populatedRoot, err)
	}

	plan := &Plan{Partitions: map[string][]string{}}
	partitions := AllPartitions(c.extra)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		contentPath := filepath.Join(populatedRoot, id)

		eligible, err := c.eligible(id, contentPath, partitions)
		if err != nil {
			c.log.Errorf("skipping module %s: %v", id, err)
			continue
		}
		if !eligible {
			continue
		}

		if ParseMode(overrides[id]) == ModeMagic {
			plan.Magic = append(plan.Magic, Module{ID: id, ContentPath: contentPath})
			c.log.Infof("module %s assigned to magic mount", id)
			continue
		}

		for _, part := range partitions {
			isDir, err := afero.IsDir(c.fs, filepath.Join(contentPath, part))
			if err == nil && isDir {
				plan.Partitions[part] = append(plan.Partitions[part], contentPath)
			}
		}
	}
	return plan, nil
}

// eligible applies the module filters: not this tool's own directory, not a
// filesystem housekeeping entry, no disable/remove/skip markers, and at
// least one recognized partition subtree.
func (c *Classifier) eligible(id, contentPath string, partitions []string) (bool, error) {
	if id == config.ReservedID || id == "lost+found" {
		return false, nil
	}
	for _, marker := range []string{config.DisableFileName, config.RemoveFileName, config.SkipMountFileName} {
		exists, err := afero.Exists(c.fs, filepath.Join(contentPath, marker))
		if err != nil {
			return false, fmt.Errorf("check marker %s: %w", marker, err)
		}
		if exists {
			return false, nil
		}
	}
	for _, part := range partitions {
		isDir, err := afero.IsDir(c.fs, filepath.Join(contentPath, part))
		if err == nil && isDir {
			return true, nil
		}
	}
	return false, nil
}
