package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Dial connects to a udevd control socket at path for sending a single
// command. The caller is responsible for closing the returned Client.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unixpacket", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control: dial %q: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Client is a one-shot control-socket connection used by udevadm.
type Client struct {
	conn net.Conn
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send encodes and sends a single command, then waits for and returns the
// daemon's reply.
func (c *Client) Send(kind Kind, intArg int, strArg string) (ok bool, detail string, err error) {
	data, err := json.Marshal(wireMessage{Kind: string(kind), IntArg: intArg, StrArg: strArg})
	if err != nil {
		return false, "", fmt.Errorf("control: encode: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return false, "", fmt.Errorf("control: write: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return false, "", fmt.Errorf("control: read reply: %w", err)
	}

	var reply wireReply
	if err := json.Unmarshal(buf[:n], &reply); err != nil {
		return false, "", fmt.Errorf("control: decode reply: %w", err)
	}
	return reply.OK, reply.Detail, nil
}
