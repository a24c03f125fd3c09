package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/hymo-mount/hymo/pkg/config"
	"github.com/hymo-mount/hymo/pkg/hider"
)

// hideTraces asks the injection driver to drop the on-disk state directory
// from lookups and listings. Any mismatch or absence disables the step
// gracefully; the mounts themselves do not depend on it.
func hideTraces(log *logrus.Entry) {
	status := hider.CheckStatus()
	if status != hider.Available {
		log.Infof("hide driver %s, traces stay visible", status)
		return
	}
	h, err := hider.OpenHymo()
	if err != nil {
		log.Warnf("hide driver open: %v", err)
		return
	}
	defer h.Close()

	h.Apply([]hider.Rule{hider.HideRule{Path: config.BaseDir}})
	log.Infof("state directory hidden via %s", hider.HymoDevicePath)
}
