// Package control implements the peer-authenticated seqpacket control
// socket described in spec §4.5. Commands arrive on an unbounded
// background-accept goroutine per connection and are delivered to the
// Supervisor's consumer goroutine over a channel at idle priority
// relative to netlink and inotify sources (SPEC_FULL §5) — this package
// only parses and authenticates; it never mutates manager state itself.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
)

// Kind identifies a control message type.
type Kind string

const (
	SetLogLevel   Kind = "SET_LOG_LEVEL"
	StopExecQueue Kind = "STOP_EXEC_QUEUE"
	StartExecQueue Kind = "START_EXEC_QUEUE"
	Reload        Kind = "RELOAD"
	SetEnv        Kind = "SET_ENV"
	SetChildrenMax Kind = "SET_CHILDREN_MAX"
	Ping          Kind = "PING"
	Exit          Kind = "EXIT"
)

// Message is one parsed control command, delivered with a Reply func the
// Supervisor calls exactly once to acknowledge it (used for PING, and
// generally for reporting rejection of malformed arguments).
type Message struct {
	Kind Kind
	// IntArg carries SET_LOG_LEVEL/SET_CHILDREN_MAX's integer argument.
	IntArg int
	// StrArg carries SET_ENV's raw "k=v" or "k=" argument.
	StrArg string
	// PeerPID is the OS-verified credential of the connecting process
	// (SO_PEERCRED), independent of anything the message itself claims.
	PeerPID int32

	reply func(ok bool, detail string)
}

// Reply acknowledges the message. Safe to call at most once; further
// calls are no-ops.
func (m Message) Reply(ok bool, detail string) {
	if m.reply != nil {
		m.reply(ok, detail)
	}
}

// wireMessage is the JSON-over-seqpacket wire format a control client
// sends: one JSON object per SOCK_SEQPACKET datagram (seqpacket already
// preserves message boundaries, so no delimiter framing is needed).
type wireMessage struct {
	Kind   string `json:"kind"`
	IntArg int    `json:"int_arg,omitempty"`
	StrArg string `json:"str_arg,omitempty"`
}

type wireReply struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Server accepts connections on a SOCK_SEQPACKET Unix domain socket and
// parses each datagram into a Message.
type Server struct {
	path     string
	listener net.Listener
	logger   *slog.Logger

	messages chan Message

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Listen binds a SOCK_SEQPACKET socket at path. net.Listen does not
// expose "unixpacket" as a named network in all Go versions uniformly
// across platforms, but on Linux it is supported directly; this keeps
// the accept loop in terms of the standard net package (matching the
// the REST/gRPC server style elsewhere in this module) while the
// datagram framing and peer-credential read below still go through
// syscall, since net.UnixConn exposes no portable SO_PEERCRED accessor.
func Listen(path string, logger *slog.Logger) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen %q: %w", path, err)
	}
	return &Server{
		path:     path,
		listener: ln,
		logger:   logger,
		messages: make(chan Message, 32),
		done:     make(chan struct{}),
	}, nil
}

// Messages returns the channel of parsed, authenticated control
// messages.
func (s *Server) Messages() <-chan Message { return s.messages }

// Serve runs the accept loop until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("control: accept error", slog.Any("error", err))
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve's accept loop. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.listener.Close()
		_ = os.Remove(s.path)
	})
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	peerPID := peerCred(conn)

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}

	for {
		buf := make([]byte, 4096)
		var n int
		var readErr error
		cerr := raw.Read(func(fd uintptr) bool {
			n, readErr = syscall.Read(int(fd), buf)
			if readErr == syscall.EAGAIN {
				return false // not yet readable, let the runtime re-poll
			}
			return true
		})
		if cerr != nil {
			return
		}
		if readErr != nil || n == 0 {
			return // peer closed or hard error
		}

		msg, err := parseWire(buf[:n], peerPID)
		if err != nil {
			s.logger.Warn("control: malformed message", slog.Any("error", err), slog.Int("peer_pid", int(peerPID)))
			writeReply(conn, wireReply{OK: false, Detail: err.Error()})
			continue
		}
		var replyOnce sync.Once
		msg.reply = func(ok bool, detail string) {
			replyOnce.Do(func() { writeReply(conn, wireReply{OK: ok, Detail: detail}) })
		}

		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}
}

func writeReply(conn net.Conn, r wireReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	_, _ = conn.Write(data)
}

func parseWire(data []byte, peerPID int32) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("control: decode: %w", err)
	}

	m := Message{Kind: Kind(w.Kind), IntArg: w.IntArg, StrArg: w.StrArg, PeerPID: peerPID}

	switch m.Kind {
	case SetLogLevel, SetChildrenMax:
		// IntArg is required and already decoded; nothing further to
		// validate here — range checks are the Supervisor's concern
		// (e.g. SET_CHILDREN_MAX rejects non-positive values).
	case SetEnv:
		if !strings.Contains(m.StrArg, "=") {
			return Message{}, fmt.Errorf("control: SET_ENV argument %q has no '='", m.StrArg)
		}
	case StopExecQueue, StartExecQueue, Reload, Ping, Exit:
		// no arguments
	default:
		return Message{}, fmt.Errorf("control: unknown message kind %q", w.Kind)
	}
	return m, nil
}

// peerCred reads the connecting process's PID via SO_PEERCRED. Returns 0
// if it cannot be determined (e.g. conn is not a *net.UnixConn).
func peerCred(conn net.Conn) int32 {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0
	}
	var pid int32
	_ = raw.Control(func(fd uintptr) {
		cred, err := syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
		if err == nil {
			pid = cred.Pid
		}
	})
	return pid
}

// EnvKey splits a SET_ENV "k=v" or "k=" argument into its key and value.
// remove is true whenever the value is empty ("k="): the wire format has
// no way to set a key to an empty value, so an empty value always means
// removal of the key.
func EnvKey(arg string) (key, value string, remove bool) {
	k, v, _ := strings.Cut(arg, "=")
	return k, v, v == ""
}
