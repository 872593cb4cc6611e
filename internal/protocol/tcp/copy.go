package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleConn pushes the deadline forward on every successful read or write,
// so the pair is torn down only after idleTimeout without traffic.
type idleConn struct {
	net.Conn
	idleTimeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.idleTimeout > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return n, err
}

func (c *idleConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 && c.idleTimeout > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return n, err
}

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional shuttles bytes between client and upstream until both
// directions finish, the context is canceled, or the pair is idle for
// idleTimeout. An EOF from one side half-closes the other. It returns the
// bytes read from the client (in) and from the upstream (out).
func CopyBidirectional(ctx context.Context, client, upstream net.Conn, idleTimeout time.Duration) (in, out int64, err error) {
	if idleTimeout > 0 {
		dl := time.Now().Add(idleTimeout)
		_ = client.SetDeadline(dl)
		_ = upstream.SetDeadline(dl)
	}
	left := &idleConn{Conn: client, idleTimeout: idleTimeout}
	right := &idleConn{Conn: upstream, idleTimeout: idleTimeout}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	var inBytes, outBytes atomic.Int64
	var finished atomic.Int32
	done := make(chan struct{})

	pipe := func(dst, src *idleConn, counter *atomic.Int64) func() error {
		return func() error {
			n, err := io.Copy(dst, src)
			counter.Add(n)
			if cw, ok := dst.Conn.(closeWriter); ok && err == nil {
				_ = cw.CloseWrite()
			}
			if finished.Add(1) == 2 {
				close(done)
			}
			return err
		}
	}

	g.Go(pipe(right, left, &inBytes))
	g.Go(pipe(left, right, &outBytes))

	// Closing both sides unblocks the copies on cancellation or error.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
		return nil
	})

	err = g.Wait()
	return inBytes.Load(), outBytes.Load(), err
}

// isNormalTermination reports errors that end a connection without
// indicating a fault.
func isNormalTermination(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
