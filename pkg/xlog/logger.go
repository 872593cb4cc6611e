package xlog

import (
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level orders log severities; messages below the current level are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	logger = log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags)
	level  atomic.Int32
)

func init() {
	level.Store(int32(ParseLevel(os.Getenv("LOG_LEVEL"))))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Anything else is treated as info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	level.Store(int32(l))
}

// SetOutput redirects all log output, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func enabled(l Level) bool {
	return Level(level.Load()) <= l
}

func Debugf(format string, v ...interface{}) {
	if enabled(LevelDebug) {
		logger.Printf("[DEBUG] "+format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	if enabled(LevelInfo) {
		logger.Printf("[INFO] "+format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if enabled(LevelWarn) {
		logger.Printf("[WARN] "+format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if enabled(LevelError) {
		logger.Printf("[ERROR] "+format, v...)
	}
}
