// Package logger configures the process-wide logrus logger.
package logger

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Init sets the level (debug, info, warn, error; default info) and format
// (json or text).
func Init(level, format string) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	if strings.ToLower(format) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
