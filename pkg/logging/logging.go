// Package logging configures the process-wide log sink. The engine runs as
// a short-lived root daemon during boot, so logs go to an append-only file
// under the run directory rather than stdout, and writes are unbuffered so
// the tail survives an abrupt exit.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// lineFormatter emits "[LEVEL] [component] message" lines.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	component, _ := e.Data["component"].(string)
	if component == "" {
		component = "hymo"
	}
	return []byte(fmt.Sprintf("[%s] [%s] %s\n", strings.ToUpper(e.Level.String()), component, e.Message)), nil
}

// Init routes the standard logger to logPath, creating parent directories
// as needed. Verbose enables debug-level output.
func Init(verbose bool, logPath string) error {
	if dir := filepath.Dir(logPath); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("logging: create log dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("logging: open log file %s: %w", logPath, err)
	}

	logrus.SetOutput(f)
	logrus.SetFormatter(lineFormatter{})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

// Component returns an entry tagged with the given component name, so every
// line identifies which part of the engine wrote it.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
