// Package enginelog sets up the structured logger every JCF component
// logs through: JSON formatting, an env-var log level, and a
// development/production split, exposed as a container-scoped logger
// callers attach fields to (container path, operation name).
package enginelog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger for containerPath. debug enables human-readable
// (not JSON) output and DebugLevel; without it only Warn and above reach
// stderr, as JSON — escalations (fuzzy patch apply, snapshot fallback,
// orphans held back from a sweep) must stay visible in production.
func New(containerPath string, debug bool) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if debug {
		log.SetLevel(logLevel())
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	} else {
		log.SetLevel(logrus.WarnLevel)
		log.Formatter = &logrus.JSONFormatter{}
	}
	return log.WithField("container", containerPath)
}

func logLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("JCF_LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}
