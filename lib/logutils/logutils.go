// Package logutils wires svalin's components to a single logrus
// instance, the way the teleport packages build component-scoped
// loggers off a shared formatter.
package logutils

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Initialize configures the global logrus logger from the SVALIN_LOG
// environment variable, defaulting to info.
func Initialize() {
	level := log.InfoLevel
	if raw := os.Getenv("SVALIN_LOG"); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}

// WithComponent returns a logger entry tagged with the given component
// name, mirroring the "component" field convention used throughout the
// teacher codebase.
func WithComponent(component string) *log.Entry {
	return log.WithField("component", component)
}
