// Package logging builds the logrus logger shared by the binaries.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/invisible-tech/sentinel-siem/internal/config"
)

// New returns a JSON logger at the configured level. When a log file is
// configured, output goes to stdout and to a rotated file.
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}
	if err != nil && cfg.Level != "" {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	return log
}
