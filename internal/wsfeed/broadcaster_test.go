package wsfeed_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tripwire/udevd/internal/wsfeed"
)

func newTestBroadcaster() *wsfeed.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return wsfeed.NewBroadcaster(logger, 16)
}

func TestRegisterUnregisterTracksClientCount(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("ClientCount = %d, want 0", got)
	}

	c1 := bc.Register("c1")
	bc.Register("c2")
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("ID = %q, want c1", c1.ID())
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d, want 1", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected Send channel closed after Unregister")
		}
	default:
		t.Error("expected Send channel to be immediately readable (closed)")
	}
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	msg := wsfeed.EventMessage{
		Type: "device_event",
		Data: wsfeed.EventData{
			Seqnum:    7,
			Devpath:   "/devices/virtual/block/sda",
			Subsystem: "block",
			Action:    "add",
			Outcome:   "ok",
			Timestamp: "2026-07-31T10:00:00Z",
		},
	}
	bc.Broadcast(msg)

	deadline := time.After(200 * time.Millisecond)
	for _, c := range []*wsfeed.Client{c1, c2} {
		select {
		case raw := <-c.Send():
			var got wsfeed.EventMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Data.Devpath != msg.Data.Devpath {
				t.Errorf("Devpath = %q, want %q", got.Data.Devpath, msg.Data.Devpath)
			}
		case <-deadline:
			t.Fatalf("client %s did not receive broadcast", c.ID())
		}
	}
}

func TestBroadcastDropsOnFullBuffer(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := wsfeed.NewBroadcaster(logger, 1)
	c := bc.Register("slow")
	defer bc.Unregister("slow")

	for i := 0; i < 5; i++ {
		bc.Broadcast(wsfeed.EventMessage{Type: "device_event", Data: wsfeed.EventData{Seqnum: uint64(i)}})
	}

	if c.Dropped.Load() == 0 {
		t.Error("expected at least one dropped frame with an unread, 1-deep buffer")
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bc.Subscribe(ctx)

	bc.Publish(wsfeed.EventData{Seqnum: 42, Devpath: "/devices/virtual/net/eth0"})

	select {
	case data := <-ch:
		if data.Seqnum != 42 {
			t.Errorf("Seqnum = %d, want 42", data.Seqnum)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("subscriber did not receive published event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected subscriber channel closed after context cancellation")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("subscriber channel was not closed after context cancellation")
	}
}

func TestCloseMakesPublishAndBroadcastNoOps(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster()
	c := bc.Register("c1")

	bc.Close()

	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected registered client's channel closed by Close")
		}
	default:
		t.Error("expected channel to be immediately readable (closed)")
	}

	// Calling after Close must not panic.
	bc.Publish(wsfeed.EventData{Seqnum: 1})
	bc.Broadcast(wsfeed.EventMessage{})
}
