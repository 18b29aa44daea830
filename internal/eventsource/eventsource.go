// Package eventsource implements the kernel uevent listener: a
// NETLINK_KOBJECT_UEVENT socket that receives the same broadcast every
// running udev-like daemon on the system receives, and parses each frame
// into a device.Device, with its seqnum taken from the frame's SEQNUM
// key, for the Supervisor to enqueue.
//
// Privilege requirement: binding a NETLINK_KOBJECT_UEVENT socket to the
// kernel multicast group requires CAP_NET_ADMIN (or uid 0).
//
//go:build linux

package eventsource

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/tripwire/udevd/internal/device"
)

// ─── Kernel ABI constants ────────────────────────────────────────────────
// Values from <linux/netlink.h>. Never change.

const (
	// netlinkKobjectUevent is the NETLINK_KOBJECT_UEVENT protocol family.
	netlinkKobjectUevent = 15

	// kernelMulticastGroup is the single multicast group the kernel
	// broadcasts uevents on; there is no per-subsystem group to filter by,
	// filtering happens entirely in the rule engine downstream.
	kernelMulticastGroup = 1
)

// Source listens for kernel uevents and delivers them as device.Device
// records on an unbounded-by-spec (but practically buffered) channel. It
// satisfies the opaque EventSource contract spec.md §4/§6 leaves abstract.
type Source struct {
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events   chan *device.Device
	ready    chan struct{}
	readyDone sync.Once
}

// New constructs a Source. It does not open the netlink socket until Start
// is called.
func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		logger: logger,
		events: make(chan *device.Device, 64),
		ready:  make(chan struct{}),
	}
}

// Events returns the channel of parsed uevents. Closed after Stop returns.
func (s *Source) Events() <-chan *device.Device { return s.events }

// Ready is closed once the netlink socket is bound and subscribed,
// signalling the Supervisor may proceed past its startup barrier.
func (s *Source) Ready() <-chan struct{} { return s.ready }

// Start opens the NETLINK_KOBJECT_UEVENT socket, binds it to the kernel
// multicast group, and begins delivering parsed events on Events(). It
// returns once the socket is bound; reading happens in a background
// goroutine.
func (s *Source) Start(ctx context.Context) error {
	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW, netlinkKobjectUevent)
	if err != nil {
		return fmt.Errorf("eventsource: open NETLINK_KOBJECT_UEVENT socket: %w", err)
	}

	// A receive buffer sized well above the kernel default protects
	// against burst storms (e.g. a USB hub with many downstream devices
	// appearing at once) dropping frames before userspace can drain them.
	_ = syscall.SetsockoptInt(sock, syscall.SOL_SOCKET, syscall.SO_RCVBUFFORCE, 1024*1024)

	addr := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: kernelMulticastGroup,
	}
	if err := syscall.Bind(sock, addr); err != nil {
		_ = syscall.Close(sock)
		return fmt.Errorf("eventsource: bind NETLINK_KOBJECT_UEVENT socket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(runCtx, sock)

	s.readyDone.Do(func() { close(s.ready) })

	s.logger.Info("eventsource started",
		slog.String("mechanism", "NETLINK_KOBJECT_UEVENT"),
		slog.Int("multicast_group", kernelMulticastGroup),
	)
	return nil
}

// Stop signals the read loop to exit, waits for it, and closes Events().
// Safe to call multiple times.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	close(s.events)
	s.logger.Info("eventsource stopped")
}

func (s *Source) readLoop(ctx context.Context, sock int) {
	defer s.wg.Done()
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("eventsource: recvfrom error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		dev, err := parseUevent(buf[:n])
		if err != nil {
			s.logger.Warn("eventsource: discarding malformed uevent frame", slog.Any("error", err))
			continue
		}

		select {
		case s.events <- dev:
		case <-ctx.Done():
			return
		}
	}
}

// parseUevent decodes one kernel uevent frame into a device.Device.
//
// The wire format is a sequence of NUL-terminated strings. The first is
// either "ACTION@DEVPATH" (the libudev-compatible form the kernel has sent
// since 2.6.25, which this parser requires) followed by "KEY=VALUE" pairs
// for every remaining field, in kernel-chosen order.
func parseUevent(buf []byte) (*device.Device, error) {
	fields := strings.Split(string(buf), "\x00")
	// The kernel NUL-terminates every field including the last; Split
	// therefore yields one trailing empty string to drop.
	if len(fields) > 0 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("eventsource: empty uevent frame")
	}

	action, devpath, ok := strings.Cut(fields[0], "@")
	if !ok {
		return nil, fmt.Errorf("eventsource: header %q missing '@'", fields[0])
	}
	if action == "" || devpath == "" {
		return nil, fmt.Errorf("eventsource: header %q has empty action or devpath", fields[0])
	}

	dev := &device.Device{
		Action:     device.Action(action),
		Devpath:    devpath,
		Properties: make(map[string]string, len(fields)-1),
	}

	var major, minor int64
	var haveMajor, haveMinor bool

	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue // malformed field, not worth failing the whole frame over
		}
		switch key {
		case "SEQNUM":
			if v, err := strconv.ParseUint(value, 10, 64); err == nil {
				dev.Seqnum = v
			}
		case "SUBSYSTEM":
			dev.Subsystem = value
		case "DEVNAME":
			dev.Devname = value
		case "DEVPATH_OLD":
			dev.DevpathOld = value
		case "IFINDEX":
			if v, err := strconv.ParseInt(value, 10, 32); err == nil {
				dev.Ifindex = int32(v)
			}
		case "MAJOR":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				major, haveMajor = v, true
			}
		case "MINOR":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				minor, haveMinor = v, true
			}
		}
		dev.Properties[key] = value
	}

	if haveMajor && haveMinor {
		dev.DevNum = device.DevNum{Major: uint32(major), Minor: uint32(minor)}
		dev.HasDevNum = true
	}

	return dev, nil
}
