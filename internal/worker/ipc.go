package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/ruleengine"
)

// deviceMessage is the JSON payload sent from Supervisor to worker over
// the per-worker device-handoff socketpair.
type deviceMessage struct {
	Device  *device.Device          `json:"device"`
	Context ruleengine.RuleContext `json:"context"`
}

// completionMessage is the JSON payload sent from worker to Supervisor
// over the shared completion socket. The sender's PID is not carried in
// the payload itself; it arrives out-of-band via SCM_CREDENTIALS on the
// receiving socket (SPEC_FULL §6), which is how the Supervisor maps a
// completion back to a specific Worker without trusting the payload.
type completionMessage struct {
	Seqnum     uint64            `json:"seqnum"`
	Status     string            `json:"status"` // "ok", "busy", "fatal"
	Properties map[string]string `json:"properties,omitempty"`
	Symlinks   []string          `json:"symlinks,omitempty"`
	Mode       uint32            `json:"mode,omitempty"`
	// WantWatch carries ruleengine.Outcome.WantWatch back across the
	// process boundary: the Supervisor's inotify watcher is not reachable
	// from the worker, so a rule's OPTIONS="watch" request has to travel
	// home on the completion message like the busy/fatal classification
	// does.
	WantWatch bool   `json:"want_watch,omitempty"`
	ErrMsg    string `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusBusy  = "busy"
	statusFatal = "fatal"
)

// writeDeviceMessage writes one newline-delimited JSON device handoff
// message to the socketpair fd.
func writeDeviceMessage(fd int, dev *device.Device, rctx ruleengine.RuleContext) error {
	data, err := json.Marshal(deviceMessage{Device: dev, Context: rctx})
	if err != nil {
		return fmt.Errorf("worker: marshal device message: %w", err)
	}
	data = append(data, '\n')
	if _, err := syscall.Write(fd, data); err != nil {
		return fmt.Errorf("worker: write device message: %w", err)
	}
	return nil
}

// readDeviceMessage reads one newline-delimited JSON device handoff
// message from r, blocking until one arrives. Returns io.EOF when the
// parent has closed its end (the worker's signal to exit cleanly).
func readDeviceMessage(r *bufio.Reader) (*deviceMessage, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("worker: read device message: %w", err)
		}
	}
	var msg deviceMessage
	if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
		return nil, fmt.Errorf("worker: decode device message: %w", jsonErr)
	}
	return &msg, nil
}

// newCompletionListener binds a SOCK_DGRAM Unix domain socket at path and
// enables SO_PASSCRED so that every datagram received on it carries the
// sender's credentials as SCM_CREDENTIALS ancillary data.
func newCompletionListener(path string) (int, error) {
	_ = os.Remove(path) // a stale socket file from a prior run must not block Bind

	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("worker: create completion socket: %w", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_PASSCRED, 1); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("worker: enable SO_PASSCRED: %w", err)
	}
	addr := &syscall.SockaddrUnix{Name: path}
	if err := syscall.Bind(fd, addr); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("worker: bind completion socket %q: %w", path, err)
	}
	return fd, nil
}

// recvCompletion reads one completion datagram plus the sender's PID from
// the credentials attached by the kernel.
func recvCompletion(fd int) (completionMessage, int32, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, syscall.CmsgSpace(syscall.SizeofUcred))

	n, oobn, _, _, err := syscall.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return completionMessage{}, 0, fmt.Errorf("worker: recvmsg completion: %w", err)
	}

	var pid int32
	if oobn > 0 {
		cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, c := range cmsgs {
				if c.Header.Level == syscall.SOL_SOCKET && c.Header.Type == syscall.SCM_CREDENTIALS {
					ucred, err := syscall.ParseUnixCredentials(&c)
					if err == nil {
						pid = ucred.Pid
					}
				}
			}
		}
	}

	var msg completionMessage
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		return completionMessage{}, pid, fmt.Errorf("worker: decode completion message: %w", err)
	}
	return msg, pid, nil
}

// sendCompletion connects (implicitly, per-datagram) to the shared
// completion socket at path and sends msg. Called from the child.
func sendCompletion(path string, msg completionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("worker: marshal completion: %w", err)
	}

	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("worker: create completion send socket: %w", err)
	}
	defer syscall.Close(fd)

	addr := &syscall.SockaddrUnix{Name: path}
	if err := syscall.Sendto(fd, data, 0, addr); err != nil {
		return fmt.Errorf("worker: sendto completion %q: %w", path, err)
	}
	return nil
}
