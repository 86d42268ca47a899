// Package logger standardizes how every HyperStack component logs: one
// logrus.Logger built at startup from LoggingConfig, handed down as
// *logger.Logger, with each subsystem deriving its own entry through
// Component so lines are filterable per pipeline stage (vm, projector,
// bus, wsgateway, scheduler, health, source, audit).
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger embeds the configured *logrus.Logger; call sites use the logrus
// API directly plus the Component helper below.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig selects level, format, and destination. Zero values mean
// info-level text logging to stdout.
type LoggingConfig struct {
	Level      string // logrus level name; unparseable values fall back to info
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or "file"
	FilePrefix string // file mode only: logs/<prefix>.log
}

// New builds a Logger from cfg.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()
	l.SetLevel(levelOf(cfg.Level))
	l.SetFormatter(formatterOf(cfg.Format))
	l.SetOutput(outputOf(cfg, l))
	return &Logger{Logger: l}
}

// Component returns a log entry tagged with the owning component, the
// per-component field convention used across the runtime.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.Logger.WithField("component", name)
}

func levelOf(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func formatterOf(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// outputOf resolves the configured destination. File mode appends to
// logs/<prefix>.log while still teeing to stdout, so a crashing process
// leaves its tail visible in both places; failures to set the file up
// degrade to stdout-only rather than refusing to start.
func outputOf(cfg LoggingConfig, l *logrus.Logger) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "hyperstack"
		}
		if err := os.MkdirAll("logs", 0o755); err != nil {
			l.Errorf("create logs directory: %v", err)
			return os.Stdout
		}
		file, err := os.OpenFile(filepath.Join("logs", prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("open log file: %v", err)
			return os.Stdout
		}
		return io.MultiWriter(os.Stdout, file)
	default:
		return os.Stdout
	}
}
