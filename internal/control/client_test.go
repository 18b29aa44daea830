package control_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/udevd/internal/control"
)

func TestClientSendReceivesReply(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv, err := control.Listen(sockPath, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Stop()

	go func() {
		select {
		case msg := <-srv.Messages():
			msg.Reply(true, "pong")
		case <-time.After(5 * time.Second):
		}
	}()

	client, err := control.Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ok, detail, err := client.Send(control.Ping, 0, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok {
		t.Errorf("ok = false, want true")
	}
	if detail != "pong" {
		t.Errorf("detail = %q, want pong", detail)
	}
}

func TestClientSendSetEnv(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv, err := control.Listen(sockPath, logger)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Stop()

	go func() {
		select {
		case msg := <-srv.Messages():
			if msg.Kind != control.SetEnv || msg.StrArg != "FOO=bar" {
				msg.Reply(false, "unexpected message")
				return
			}
			msg.Reply(true, "")
		case <-time.After(5 * time.Second):
		}
	}()

	client, err := control.Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ok, _, err := client.Send(control.SetEnv, 0, "FOO=bar")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok {
		t.Error("ok = false, want true")
	}
}
