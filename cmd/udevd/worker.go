package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tripwire/udevd/internal/ruleengine/builtin"
	"github.com/tripwire/udevd/internal/worker"
)

// workerFlags holds the re-exec arguments the Pool passes to a spawned
// worker (SPEC_FULL §6). They are parsed from os.Args ahead of the
// daemon-mode flag.FlagSet so a worker invocation never touches
// daemon-mode flags such as -config.
type workerFlags struct {
	fd               int
	completionSock   string
	rulesFile        string
	blockdevReadOnly bool
}

// workerMode reports whether this process was invoked as a forked
// worker, i.e. -worker-fd was passed. ok is false for every normal
// daemon invocation.
func workerMode() (workerFlags, bool) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(discardWriter{})
	fd := fs.Int("worker-fd", -1, "")
	sock := fs.String("worker-completion-sock", "", "")
	rulesFile := fs.String("worker-rules-file", "", "")
	readOnly := fs.Bool("worker-blockdev-read-only", false, "")
	if err := fs.Parse(os.Args[1:]); err != nil || *fd < 0 {
		return workerFlags{}, false
	}
	return workerFlags{fd: *fd, completionSock: *sock, rulesFile: *rulesFile, blockdevReadOnly: *readOnly}, true
}

func runWorker(wf workerFlags) {
	engine, err := builtin.New(wf.rulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udevd worker: failed to load rules: %v\n", err)
		os.Exit(1)
	}

	err = worker.RunChild(context.Background(), worker.ChildConfig{
		DeviceFd:         wf.fd,
		CompletionSock:   wf.completionSock,
		Engine:           engine,
		BlockdevReadOnly: wf.blockdevReadOnly,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "udevd worker: %v\n", err)
		os.Exit(1)
	}
}

// discardWriter silences flag.FlagSet's usage output; an unrecognized
// flag in worker mode just means "not a worker invocation", not a usage
// error worth printing.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
