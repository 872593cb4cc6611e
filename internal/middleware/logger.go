package middleware

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

// AccessLog describes one proxied connection
type AccessLog struct {
	Timestamp  time.Time `json:"ts"`
	ClientAddr string    `json:"client_addr"`
	LocalPort  int       `json:"local_port"`
	App        string    `json:"app,omitempty"`
	Upstream   string    `json:"upstream,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`
	Error      string    `json:"error,omitempty"`
}

// AccessLogger batches entries and writes them as JSON lines. Log never
// blocks the connection path; entries are dropped when the buffer is full.
type AccessLogger struct {
	logChan chan *AccessLog
	sink    io.Writer
	done    chan struct{}
	once    sync.Once
}

func NewAccessLogger(sink io.Writer, bufferSize int) *AccessLogger {
	l := &AccessLogger{
		logChan: make(chan *AccessLog, bufferSize),
		sink:    sink,
		done:    make(chan struct{}),
	}
	go l.startConsumer()
	return l
}

func (l *AccessLogger) Log(entry *AccessLog) {
	if l == nil {
		return
	}
	select {
	case l.logChan <- entry:
	default:
		// Buffer full, drop log to prevent blocking main flow
		xlog.Warnf("Access log buffer full, dropping log")
	}
}

// Close flushes pending entries and stops the consumer.
func (l *AccessLogger) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.logChan) })
	<-l.done
}

func (l *AccessLogger) startConsumer() {
	defer close(l.done)

	batch := make([]*AccessLog, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-l.logChan:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, entry)
			if len(batch) >= 100 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *AccessLogger) flush(logs []*AccessLog) {
	enc := json.NewEncoder(l.sink)
	for _, entry := range logs {
		if err := enc.Encode(entry); err != nil {
			xlog.Warnf("Failed to write access log: %v", err)
			return
		}
	}
}
