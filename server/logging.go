package server

import (
	"github.com/sirupsen/logrus"
)

// ConfigureLogging builds the logrus.Logger every component in a Context
// shares, using logrus's text formatter with full timestamps, so structured
// fields are rendered as key=value pairs. An unparseable level falls back to
// info.
func ConfigureLogging(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
