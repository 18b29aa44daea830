package wsfeed

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize is the largest WebSocket payload the dashboard handler will
// accept from a browser client before dropping the connection. Dashboard
// clients never send anything but close frames; this is a guard against a
// misbehaving or malicious client, not a real protocol need.
const maxFrameSize = 64 * 1024

// wsGUID is the fixed GUID from RFC 6455 §4.1 used to derive
// Sec-WebSocket-Accept from the client's Sec-WebSocket-Key.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Handler upgrades HTTP connections to WebSocket and streams Broadcaster
// events to dashboard viewers. Clients never send device events; the read
// side exists only to detect disconnection and drain close frames.
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 defaults to
// 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP performs the WebSocket upgrade handshake and drives the
// connection's read/write loops until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("wsfeed: hijack failed", slog.Any("error", err))
		return
	}

	accept := computeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("wsfeed: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("wsfeed: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("wsfeed: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("wsfeed: readLoop panic recovered",
					slog.Any("recover", rec),
					slog.String("client_id", clientID),
				)
			}
		}()
		readLoop(conn, h.logger, clientID)
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				closeOnce()
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("wsfeed: set write deadline failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}

			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("wsfeed: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single unfragmented WebSocket text
// frame (FIN=1, opcode=0x1). Server-to-client frames must not be masked
// (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readLoop reads and discards incoming frames until the connection closes
// or a close frame arrives; it exists to detect disconnection, not to
// process client input.
func readLoop(conn net.Conn, logger *slog.Logger, clientID string) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			break
		}
		b1, err := buf.ReadByte()
		if err != nil {
			break
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := buf.Read(ext[:]); err != nil {
				return
			}
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}

		if masked {
			var maskKey [4]byte
			if _, err := buf.Read(maskKey[:]); err != nil {
				return
			}
		}

		if length > 0 {
			if _, err := io.CopyN(io.Discard, buf, length); err != nil {
				return
			}
		}

		if opcode == 0x08 {
			logger.Debug("wsfeed: received close frame", slog.String("client_id", clientID))
			return
		}
	}
}
