// Package wsfeed provides the in-process WebSocket broadcaster that fans
// dispatched device events out to connected dashboard viewers (SPEC_FULL
// §4.9). The broadcaster never blocks the Supervisor's EventSink.Send
// call: each client has a dedicated buffered channel, and when that
// buffer is full the new frame is dropped for that one client rather than
// applying back-pressure to dispatch.
package wsfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventData is the structured device-event payload sent to browser
// clients as part of an EventMessage envelope.
type EventData struct {
	Seqnum    uint64            `json:"seqnum"`
	Devpath   string            `json:"devpath"`
	Subsystem string            `json:"subsystem"`
	Devname   string            `json:"devname,omitempty"`
	Action    string            `json:"action"`
	Outcome   string            `json:"outcome"`
	Timestamp string            `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
}

// EventMessage is the top-level JSON envelope pushed to browser WebSocket
// clients. Type is always "device_event".
type EventMessage struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// Client represents a single connected WebSocket client. Created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of JSON-encoded event frames,
// closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans device events out to every currently-connected
// WebSocket client and to anonymous channel subscribers. Safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan EventData]chan EventData

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client and
// per-subscriber channel buffer depth; 0 selects the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and returns it. The
// caller must call Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals msg to JSON and delivers it to every registered
// client with a non-blocking send, dropping and counting on a full
// buffer rather than blocking the caller.
func (b *Broadcaster) Broadcast(msg EventMessage) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("wsfeed: marshal failed", slog.Any("error", err))
		return
	}
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("wsfeed: client buffer full, dropping event", slog.String("client_id", c.id))
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber for raw EventData values,
// closed automatically when ctx is cancelled or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan EventData {
	ch := make(chan EventData, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)
	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}
	return ch
}

// Unsubscribe removes the subscription associated with ch and closes it.
func (b *Broadcaster) Unsubscribe(ch <-chan EventData) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan EventData))
	}
}

// Publish delivers data to every anonymous subscriber and broadcasts the
// equivalent EventMessage to every registered WebSocket client.
func (b *Broadcaster) Publish(data EventData) {
	if b.closed.Load() {
		return
	}
	if data.Timestamp == "" {
		data.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	b.subs.Range(func(_, value any) bool {
		ch := value.(chan EventData)
		select {
		case ch <- data:
		default:
			b.logger.Warn("wsfeed: subscriber buffer full, dropping event",
				slog.Uint64("seqnum", data.Seqnum),
				slog.String("devpath", data.Devpath),
			)
		}
		return true
	})

	b.Broadcast(EventMessage{Type: "device_event", Data: data})
}

// Close removes all subscriptions and registered clients, closing every
// channel. After Close, Publish and Broadcast are no-ops.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan EventData))
			return true
		})
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
