package reactor

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestServeInvokesHandlerPerConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var count int32
	handled := make(chan struct{}, 4)
	l := &Loop{
		Listener: ln,
		Handler: func(c net.Conn) {
			atomic.AddInt32(&count, 1)
			handled <- struct{}{}
		},
	}
	go l.Serve()
	defer l.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler invocation")
		}
	}
	if atomic.LoadInt32(&count) != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestShutdownClosesListenerAndWaits(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	l := &Loop{
		Listener: ln,
		Handler: func(c net.Conn) {
			<-release
		},
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve() }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Shutdown(ctx); err == nil {
		t.Fatal("expected Shutdown to time out while handler is still blocked")
	}
	close(release)

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after listener close")
	}
}

func TestShutdownWithNoConnectionsReturnsImmediately(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l := &Loop{Listener: ln, Handler: func(net.Conn) {}}
	go l.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
}
