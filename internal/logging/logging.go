// Package logging configures process-wide structured logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/writgo/aigateway/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup applies the logging configuration to the global logger. When a file
// is configured, output goes to both stdout and a size-rotated file.
func Setup(cfg config.LoggingConfig) error {
	level := strings.TrimSpace(strings.ToLower(cfg.Level))
	if level == "" {
		level = "info"
	}
	parsed, errParse := log.ParseLevel(level)
	if errParse != nil {
		return fmt.Errorf("logging: unknown level %q", cfg.Level)
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if strings.TrimSpace(cfg.File) == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return nil
}
