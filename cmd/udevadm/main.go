// Command udevadm is the operator control CLI for udevd. Every
// subcommand dials the daemon's SOCK_SEQPACKET control socket
// (internal/control), sends one command, prints the daemon's reply, and
// exits — it never touches the queue, worker pool, or rule engine
// directly (spec §4.5).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tripwire/udevd/internal/control"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sockPath string

	root := &cobra.Command{
		Use:   "udevadm",
		Short: "Control and query a running udevd device event manager",
	}
	root.PersistentFlags().StringVar(&sockPath, "socket", "/run/udevd/control", "path to udevd's control socket")

	send := func(kind control.Kind, intArg int, strArg string) error {
		client, err := control.Dial(sockPath)
		if err != nil {
			return err
		}
		defer client.Close()

		ok, detail, err := client.Send(kind, intArg, strArg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("udevd rejected the command: %s", detail)
		}
		if detail != "" {
			fmt.Println(detail)
		}
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that udevd is alive and accepting control commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Ping, 0, "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Soft-kill all running workers and reload rules (spec L1: idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Reload, 0, "")
		},
	})

	execQueueCmd := &cobra.Command{
		Use:   "control",
		Short: "Stop or resume dispatching new events",
	}
	execQueueCmd.AddCommand(
		&cobra.Command{
			Use:   "stop-exec-queue",
			Short: "Stop dispatching newly-queued events",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(control.StopExecQueue, 0, "")
			},
		},
		&cobra.Command{
			Use:   "start-exec-queue",
			Short: "Resume dispatching newly-queued events",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(control.StartExecQueue, 0, "")
			},
		},
	)
	root.AddCommand(execQueueCmd)

	root.AddCommand(&cobra.Command{
		Use:   "exit",
		Short: "Request a clean shutdown (spec §4.6's drain sequence)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.Exit, 0, "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "set-log-level [level]",
		Short: "Set the daemon's log verbosity (0=error .. 3=debug)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("level must be an integer: %w", err)
			}
			return send(control.SetLogLevel, n, "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "set-children-max [n]",
		Short: "Change the worker pool's cap (attrition-only shrink, spec §9)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("n must be an integer: %w", err)
			}
			return send(control.SetChildrenMax, n, "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "set-env [KEY=VALUE|KEY=]",
		Short: "Set or remove (empty value) a property override visible to future rule evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(control.SetEnv, 0, args[0])
		},
	})

	return root
}
