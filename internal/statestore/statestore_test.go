package statestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/statestore"
)

func openMem(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	dev := &device.Device{
		Devpath:   "/devices/pci0000:00/sda",
		Subsystem: "block",
		Devname:   "sda",
		Action:    device.ActionAdd,
		Seqnum:    42,
		Properties: map[string]string{
			"ID_FS_TYPE": "ext4",
		},
	}
	if err := s.Upsert(ctx, dev); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, dev.Devpath)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Devname != "sda" || got.Seqnum != 42 {
		t.Errorf("Get = %+v", got)
	}
	if got.Properties["ID_FS_TYPE"] != "ext4" {
		t.Errorf("Properties = %+v", got.Properties)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

func TestUpsertReplacesPriorRow(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	dev := &device.Device{Devpath: "/devices/x", Subsystem: "block", Action: device.ActionAdd, Seqnum: 1}
	_ = s.Upsert(ctx, dev)

	dev.Action = device.ActionChange
	dev.Seqnum = 2
	_ = s.Upsert(ctx, dev)

	if s.Count() != 1 {
		t.Errorf("Count = %d after re-upsert, want 1", s.Count())
	}
	got, _ := s.Get(ctx, dev.Devpath)
	if got.Seqnum != 2 || got.Action != device.ActionChange {
		t.Errorf("Get = %+v, want updated row", got)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	dev := &device.Device{Devpath: "/devices/y", Subsystem: "block", Action: device.ActionAdd, Seqnum: 1}
	_ = s.Upsert(ctx, dev)

	if err := s.Delete(ctx, dev.Devpath); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d after Delete, want 0", s.Count())
	}
	got, err := s.Get(ctx, dev.Devpath)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("Get after delete = %+v, want nil", got)
	}
}

func TestGetMissingReturnsNilNoError(t *testing.T) {
	s := openMem(t)
	got, err := s.Get(context.Background(), "/devices/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	func() {
		s, err := statestore.Open(path)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer s.Close()
		_ = s.Upsert(ctx, &device.Device{Devpath: "/devices/z", Subsystem: "block", Action: device.ActionAdd, Seqnum: 1})
	}()

	s2, err := statestore.Open(path)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	if s2.Count() != 1 {
		t.Errorf("Count after reopen = %d, want 1", s2.Count())
	}
}
