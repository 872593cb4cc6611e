package middleware

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessLoggerFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l := NewAccessLogger(&buf, 8)

	l.Log(&AccessLog{Timestamp: time.Unix(0, 0).UTC(), ClientAddr: "10.0.0.1:5555", LocalPort: 80, App: "web", BytesIn: 3})
	l.Log(&AccessLog{ClientAddr: "10.0.0.2:5555", LocalPort: 81, Error: "no app for port 81"})
	l.Close()
	l.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first AccessLog
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "web", first.App)
	assert.Equal(t, int64(3), first.BytesIn)
	assert.Contains(t, lines[1], `"error":"no app for port 81"`)
}

func TestNilAccessLogger(t *testing.T) {
	var l *AccessLogger
	l.Log(&AccessLog{})
	l.Close()
}
