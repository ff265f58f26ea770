// Command sigctl sends process-lifecycle signals to a running sighttpd
// instance located via its pid file, mirroring the subcommand-dispatch
// shape of the retrieval pack's own multi-subcommand CLI (each
// subcommand maps directly onto one control action) built here on
// cobra instead of that pack example's own flag library.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	var pidFile string

	root := &cobra.Command{
		Use:   "sigctl",
		Short: "control a running sighttpd process",
	}
	root.PersistentFlags().StringVar(&pidFile, "pid-file", "", "path to the sighttpd pid file")
	root.MarkPersistentFlagRequired("pid-file")

	reload := &cobra.Command{
		Use:   "reload",
		Short: "send SIGHUP: graceful restart/reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSignal(pidFile, syscall.SIGHUP)
		},
	}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "send SIGTERM: graceful shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSignal(pidFile, syscall.SIGTERM)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "report whether the pid in pid-file is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPid(pidFile)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, 0); err != nil {
				fmt.Printf("pid %d: not running (%v)\n", pid, err)
				return nil
			}
			fmt.Printf("pid %d: running\n", pid)
			return nil
		},
	}
	root.AddCommand(reload, stop, status)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sigctl:", err)
		os.Exit(1)
	}
}

func readPid(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, nil
}

func sendSignal(pidFile string, sig syscall.Signal) error {
	pid, err := readPid(pidFile)
	if err != nil {
		return err
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	fmt.Printf("sent %v to pid %d\n", sig, pid)
	return nil
}
