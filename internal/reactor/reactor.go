// Package reactor implements the Reactor capability (spec §5): a
// single accept loop handing each connection to its own goroutine,
// with no shared mutable state between connections, modeled on the
// teacher's own per-connection goroutine server pattern
// (transparentProxy, proxyProto) and its ConnState-based connection
// tracking (SocketHandoff/main.go's connTracker), generalized here
// from HTTP states to a plain "connection open/closed" count since
// the read/parse/dispatch/send phases aren't net/http's own.
package reactor

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

// Loop owns a listener and dispatches each accepted connection to
// Handler in its own goroutine.
type Loop struct {
	Listener net.Listener
	Handler  func(net.Conn)

	// IdleReadTimeout, when positive, is set as the connection's read
	// deadline before Handler is invoked. Loop does no further deadline
	// management and leaves it, including any send-phase deadline, to
	// Handler itself (it knows which phase — read vs send — it is in).
	IdleReadTimeout time.Duration

	tracker connTracker
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// connTracker counts live connections so Shutdown can wait for them to
// drain, the same role SocketHandoff/main.go's connTracker plays for
// net/http.Server.ConnState callbacks, generalized to a plain
// increment/decrement since this reactor has no http.ConnState.
type connTracker struct {
	mu   sync.Mutex
	live map[net.Conn]struct{}
}

func (t *connTracker) add(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live == nil {
		t.live = make(map[net.Conn]struct{})
	}
	t.live[c] = struct{}{}
}

func (t *connTracker) remove(c net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, c)
}

func (t *connTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Serve runs the accept loop until the listener is closed (by
// Shutdown or externally). It returns nil on a clean shutdown-induced
// close, and the accept error otherwise.
func (l *Loop) Serve() error {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return err
		}
		l.tracker.add(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.tracker.remove(conn)
			defer conn.Close()
			if l.IdleReadTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(l.IdleReadTimeout))
			}
			l.Handler(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// ones to finish, or for ctx to expire, whichever comes first.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.Listener.Close()
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("reactor: shutdown deadline hit with %d connections still live", l.tracker.count())
		return ctx.Err()
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
