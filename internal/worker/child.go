package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/lock"
	"github.com/tripwire/udevd/internal/ruleengine"
)

// ChildConfig carries what a re-exec'd worker process needs to enter its
// loop. The Supervisor constructs the equivalent command-line/ExtraFiles
// plumbing when it spawns a worker (see Pool.spawn); RunChild is the
// single entrypoint both the real cmd/udevd binary and tests invoke once
// that plumbing has been resolved back into Go values.
type ChildConfig struct {
	DeviceFd       int    // this worker's end of the device-handoff socketpair
	CompletionSock string // path of the shared completion socket to send results to
	Engine         ruleengine.Engine
	// BlockdevReadOnly mirrors config.Config.BlockdevReadOnly: when true,
	// a successfully-locked block device is marked read-only at the
	// block layer on its "add" event (spec §4.3).
	BlockdevReadOnly bool
}

// RunChild is the worker-mode entrypoint: single-threaded, one event at a
// time, exactly as spec §5 requires of a forked worker. It reads device
// handoff messages until the parent closes its end (io.EOF), applying
// rules to each and reporting the outcome over the completion socket. It
// returns nil on clean shutdown (EOF) and a non-nil error only for
// conditions the parent cannot recover from via the normal completion
// protocol (e.g. the device-handoff fd itself breaks).
func RunChild(ctx context.Context, cfg ChildConfig) error {
	r := bufio.NewReader(os.NewFile(uintptr(cfg.DeviceFd), "device-handoff"))

	for {
		msg, err := readDeviceMessage(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		completion := applyOne(ctx, cfg.Engine, msg, cfg.BlockdevReadOnly)
		if err := sendCompletion(cfg.CompletionSock, completion); err != nil {
			return fmt.Errorf("worker: child reporting completion: %w", err)
		}
	}
}

// applyOne runs the full per-event sequence a worker performs for one
// device: lock acquisition (spec §4.3), rule application (§4.7), and
// classification into a completionMessage. Lock failures that are not
// plain contention are treated as fatal so the Supervisor's worker-fatal
// path (state deletion, frozen-clone forwarding) still fires for them.
//
// Unlike lock.Acquire's own tests, this never passes a local watch
// closure: a worker is a separate re-exec'd process with no access to
// the Supervisor-owned inotify watcher, so ErrBusy is reported back as
// the statusBusy completion instead and the Supervisor installs the
// fallback watch itself once it sees that classification.
func applyOne(ctx context.Context, engine ruleengine.Engine, msg *deviceMessage, blockdevReadOnly bool) completionMessage {
	dev := msg.Device
	nodePath := msg.Context.DevNodePath

	if !lock.Skip(dev) && nodePath != "" {
		g, err := lock.TryLock(nodePath)
		if err != nil {
			if err == lock.ErrBusy {
				return completionMessage{Seqnum: dev.Seqnum, Status: statusBusy}
			}
			return completionMessage{Seqnum: dev.Seqnum, Status: statusFatal, ErrMsg: err.Error()}
		}
		defer g.Close()

		if blockdevReadOnly && dev.Action == device.ActionAdd {
			if err := lock.SetReadOnly(nodePath, true); err != nil {
				return completionMessage{Seqnum: dev.Seqnum, Status: statusFatal, ErrMsg: err.Error()}
			}
		}
	}

	out, err := engine.Apply(ctx, dev, msg.Context)
	if err != nil {
		return completionMessage{Seqnum: dev.Seqnum, Status: statusFatal, ErrMsg: err.Error()}
	}
	switch out.Classification {
	case ruleengine.Busy:
		return completionMessage{Seqnum: dev.Seqnum, Status: statusBusy}
	case ruleengine.Fatal:
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		return completionMessage{Seqnum: dev.Seqnum, Status: statusFatal, ErrMsg: errMsg}
	default:
		return completionMessage{
			Seqnum:     dev.Seqnum,
			Status:     statusOK,
			Properties: out.Properties,
			Symlinks:   out.Symlinks,
			Mode:       out.Mode,
			WantWatch:  out.WantWatch,
		}
	}
}
