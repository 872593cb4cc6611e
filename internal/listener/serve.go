package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/SkynetNext/port-dispatcher/pkg/xlog"
)

const maxAcceptDelay = time.Second

// serve runs the accept loop until lis is closed. Every connection is handed
// to handle on its own goroutine, tracked by wg.
func serve(ctx context.Context, lis net.Listener, handle HandleFunc, wg *sync.WaitGroup) {
	var delay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				xlog.Debugf("Accept timeout on %s: %v", lis.Addr(), err)
				continue
			}

			// Back off on resource exhaustion (EMFILE and friends).
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			xlog.Errorf("Accept error on %s: %v; retrying in %v", lis.Addr(), err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		delay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, conn)
		}()
	}
}
