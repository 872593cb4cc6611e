package core

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// openAccessLogSink resolves ACCESS_LOG. An empty value disables the access
// log; unusable files fall back to stdout.
func openAccessLogSink(target string) (io.Writer, io.Closer) {
	switch {
	case target == "" || strings.EqualFold(target, "off"):
		return nil, nil
	case strings.EqualFold(target, "stdout"):
		return os.Stdout, nil
	case strings.EqualFold(target, "stderr"):
		return os.Stderr, nil
	case strings.HasPrefix(target, "file://"):
		path := strings.TrimPrefix(target, "file://")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			xlog.Warnf("Failed to create access log dir %s: %v", path, err)
			return os.Stdout, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			xlog.Warnf("Failed to open access log file %s: %v", path, err)
			return os.Stdout, nil
		}
		return f, f
	default:
		xlog.Warnf("Unknown access log sink %q, using stdout", target)
		return os.Stdout, nil
	}
}
