// Command sighttpd is the HTTP origin server: it parses the process
// surface (spec §6), builds a Server, and drives it from one of three
// socket-acquisition/reload strategies the teacher repo demonstrates
// side by side (SocketHandoff, tableflip, systemd socket activation).
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/cloudflare/tableflip"
	"github.com/spf13/cobra"

	"github.com/jbar/thttpgpd/internal/accesslog"
	"github.com/jbar/thttpgpd/internal/config"
	"github.com/jbar/thttpgpd/internal/keystore"
	"github.com/jbar/thttpgpd/internal/reactor"
	"github.com/jbar/thttpgpd/internal/server"
	"github.com/jbar/thttpgpd/internal/signengine"
)

var ansiColors = []string{"\033[31m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[37m"}

var colorCode string

func logf(format string, args ...interface{}) {
	log.Printf(colorCode+format+"\033[0m", args...)
}

func logPhase(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf(colorCode + "==================== " + msg + " ====================\033[0m")
}

func main() {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(os.Getpid())))
	colorCode = ansiColors[rnd.Intn(len(ansiColors))]
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := config.Default()
	root := &cobra.Command{
		Use:   "sighttpd",
		Short: "HTTP/1.0/1.1 origin server with HKP keyserver and detached-signature support",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyOverlay(cmd.Flags(), &cfg); err != nil {
				return fmt.Errorf("loading %s: %w", cfg.ConfigFile, err)
			}
			return runServe(cfg)
		},
	}
	config.BindFlags(root.Flags(), &cfg)

	if err := root.Execute(); err != nil {
		log.Fatalf("sighttpd: %v", err)
	}
}

func runServe(cfg config.Config) error {
	logPhase("pid=%d starting", os.Getpid())

	logSink, err := buildLogSink(cfg)
	if err != nil {
		return err
	}

	var keyStore *keystore.FileKeyStore
	if cfg.KeysDir != "" {
		if err := os.MkdirAll(cfg.KeysDir, 0755); err != nil {
			return fmt.Errorf("sighttpd: keys-dir: %w", err)
		}
		keyStore = keystore.NewFileKeyStore(cfg.KeysDir)
	}

	var engine signengine.Engine
	if cfg.DataDir != "" {
		engine = signengine.NewGPGEngine(cfg.SignKeyID)
	}

	srv, err := server.New(cfg, logSink, keyStore, engine)
	if err != nil {
		return fmt.Errorf("sighttpd: %w", err)
	}

	if cfg.PidFile != "" {
		if err := os.WriteFile(cfg.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("sighttpd: pid-file: %w", err)
		}
		defer os.Remove(cfg.PidFile)
	}

	housekeepCtx, stopHousekeeping := context.WithCancel(context.Background())
	defer stopHousekeeping()
	go srv.RunHousekeeping(housekeepCtx, time.Second)

	switch cfg.GracefulMode {
	case "", "none":
		return runNone(cfg, srv)
	case "handoff":
		return runHandoff(cfg, srv)
	case "tableflip":
		return runTableflip(cfg, srv)
	case "systemd":
		return runSystemd(cfg, srv)
	default:
		return fmt.Errorf("sighttpd: unknown graceful-mode %q", cfg.GracefulMode)
	}
}

func buildLogSink(cfg config.Config) (*accesslog.Logger, error) {
	if cfg.NoLog {
		return accesslog.Disabled(), nil
	}
	if cfg.LogFile == "" {
		return accesslog.New(os.Stdout), nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("sighttpd: opening log file: %w", err)
	}
	return accesslog.New(f), nil
}

func addr(cfg config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// runNone binds a fresh listener and treats SIGHUP as a no-op (the
// server already re-reads nothing at runtime besides the timer wheel's
// own ticks); SIGTERM/SIGINT triggers an ordered drain via
// reactor.Loop.Shutdown, the simplest of the teacher's three patterns.
func runNone(cfg config.Config, srv *server.Server) error {
	ln, err := net.Listen("tcp", addr(cfg))
	if err != nil {
		return fmt.Errorf("sighttpd: listen: %w", err)
	}
	logPhase("pid=%d listening on %s (graceful-mode=none)", os.Getpid(), ln.Addr())
	return serveUntilSignal(ln, srv, nil)
}

// runHandoff implements the hand-rolled fork/exec + FD-passing restart,
// generalized from SocketHandoff/main.go's attemptGracefulRestart: on
// SIGHUP it execs a fresh copy of the binary with the listener FD and a
// readiness pipe inherited, and stops accepting only once the child
// signals ready.
func runHandoff(cfg config.Config, srv *server.Server) error {
	var ln net.Listener
	var err error
	if os.Getenv("SIGHTTPD_GRACEFUL_FD") != "" {
		fd, convErr := parseFD(os.Getenv("SIGHTTPD_GRACEFUL_FD"))
		if convErr != nil {
			return fmt.Errorf("sighttpd: SIGHTTPD_GRACEFUL_FD: %w", convErr)
		}
		f := os.NewFile(uintptr(fd), "graceful-listener")
		ln, err = net.FileListener(f)
		if err != nil {
			return fmt.Errorf("sighttpd: inherited listener: %w", err)
		}
		logf("pid=%d reconstructed listener from inherited fd=%d", os.Getpid(), fd)
		signalReady()
	} else {
		ln, err = net.Listen("tcp", addr(cfg))
		if err != nil {
			return fmt.Errorf("sighttpd: listen: %w", err)
		}
	}
	logPhase("pid=%d listening on %s (graceful-mode=handoff)", os.Getpid(), ln.Addr())
	return serveUntilSignal(ln, srv, func(ln net.Listener) bool {
		return attemptHandoffRestart(ln)
	})
}

func parseFD(s string) (int, error) {
	var fd int
	_, err := fmt.Sscanf(s, "%d", &fd)
	return fd, err
}

func signalReady() {
	fdStr := os.Getenv("SIGHTTPD_READY_FD")
	if fdStr == "" {
		return
	}
	fd, err := parseFD(fdStr)
	if err != nil {
		return
	}
	pipe := os.NewFile(uintptr(fd), "ready-pipe")
	pipe.Write([]byte("ready\n"))
	pipe.Close()
}

func attemptHandoffRestart(ln net.Listener) bool {
	pid := os.Getpid()
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		logf("pid=%d listener is not *net.TCPListener; cannot hand off", pid)
		return false
	}
	lf, err := tcpLn.File()
	if err != nil {
		logf("pid=%d TCPListener.File: %v", pid, err)
		return false
	}
	defer lf.Close()

	r, w, err := os.Pipe()
	if err != nil {
		logf("pid=%d os.Pipe: %v", pid, err)
		return false
	}

	bin, lookErr := os.Executable()
	if lookErr != nil {
		bin = os.Args[0]
	}
	cmd := exec.Command(bin, os.Args[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	cmd.Env = append(os.Environ(), "SIGHTTPD_GRACEFUL_FD=3", "SIGHTTPD_READY_FD=4")
	cmd.ExtraFiles = []*os.File{lf, w}

	if err := cmd.Start(); err != nil {
		logf("pid=%d failed to start child: %v; keeping old process", pid, err)
		w.Close()
		r.Close()
		return false
	}
	w.Close()
	logf("pid=%d started child pid=%d; waiting for readiness", pid, cmd.Process.Pid)

	ready := make(chan struct{})
	go func() {
		defer close(ready)
		buf := make([]byte, 16)
		r.Read(buf)
	}()
	select {
	case <-ready:
		logf("pid=%d child ready; closing own listener", pid)
		return true
	case <-time.After(10 * time.Second):
		logf("pid=%d child did not signal ready in time; keeping old process", pid)
		return false
	}
}

// runTableflip mirrors tbflip/main.go: github.com/cloudflare/tableflip
// owns the listener, the FD handoff, and the SIGHUP-triggered Upgrade.
func runTableflip(cfg config.Config, srv *server.Server) error {
	upg, err := tableflip.New(tableflip.Options{PIDFile: cfg.PidFile})
	if err != nil {
		return fmt.Errorf("sighttpd: tableflip.New: %w", err)
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			logPhase("pid=%d received SIGHUP, upgrading", os.Getpid())
			if err := upg.Upgrade(); err != nil {
				logf("pid=%d upgrade error: %v", os.Getpid(), err)
			}
		}
	}()

	ln, err := upg.Listen("tcp", addr(cfg))
	if err != nil {
		return fmt.Errorf("sighttpd: upg.Listen: %w", err)
	}
	defer ln.Close()
	logPhase("pid=%d listening on %s (graceful-mode=tableflip)", os.Getpid(), ln.Addr())

	loop := &reactor.Loop{Listener: ln, Handler: srv.HandleConn}
	serveErr := make(chan error, 1)
	go func() { serveErr <- loop.Serve() }()

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("sighttpd: upg.Ready: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-upg.Exit():
		logPhase("pid=%d received Exit(), draining", os.Getpid())
	case s := <-sig:
		logPhase("pid=%d received %v, draining", os.Getpid(), s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return loop.Shutdown(ctx)
}

// runSystemd mirrors systemd-socket-activation/main.go: the listener
// comes from LISTEN_FDS via github.com/coreos/go-systemd/activation,
// falling back to a fresh bind when not socket-activated. There is no
// handoff here: systemd itself owns restart semantics.
func runSystemd(cfg config.Config, srv *server.Server) error {
	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("sighttpd: activation.Listeners: %w", err)
	}
	var ln net.Listener
	if len(listeners) > 0 && listeners[0] != nil {
		ln = listeners[0]
		logPhase("pid=%d serving on socket-activated listener %s", os.Getpid(), ln.Addr())
	} else {
		ln, err = net.Listen("tcp", addr(cfg))
		if err != nil {
			return fmt.Errorf("sighttpd: listen: %w", err)
		}
		logPhase("pid=%d listening on %s (no systemd sockets found)", os.Getpid(), ln.Addr())
	}
	return serveUntilSignal(ln, srv, nil)
}

// serveUntilSignal runs the reactor loop until SIGTERM/SIGINT, draining
// in-flight connections before returning. If onReload is set, SIGHUP
// invokes it with the current listener; a true result means the
// listener has been handed off and this process should stop accepting
// and drain, the same two-step shape tableflip/SocketHandoff both use.
func serveUntilSignal(ln net.Listener, srv *server.Server, onReload func(net.Listener) bool) error {
	loop := &reactor.Loop{Listener: ln, Handler: srv.HandleConn}
	serveErr := make(chan error, 1)
	go func() { serveErr <- loop.Serve() }()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				if onReload != nil && onReload(ln) {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					err := loop.Shutdown(ctx)
					cancel()
					return err
				}
				logf("pid=%d SIGHUP with no active reload strategy; continuing", os.Getpid())
			case syscall.SIGTERM, syscall.SIGINT:
				logPhase("pid=%d received %v, draining", os.Getpid(), s)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := loop.Shutdown(ctx)
				cancel()
				return err
			}
		case err := <-serveErr:
			return err
		}
	}
}
