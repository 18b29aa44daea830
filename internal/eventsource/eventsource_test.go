package eventsource

import (
	"strings"
	"testing"
)

func rawFrame(header string, kv ...string) []byte {
	parts := append([]string{header}, kv...)
	return []byte(strings.Join(parts, "\x00") + "\x00")
}

func TestParseUevent_AddWithDevnum(t *testing.T) {
	buf := rawFrame("add@/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda",
		"ACTION=add",
		"DEVPATH=/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda",
		"SUBSYSTEM=block",
		"DEVNAME=sda",
		"SEQNUM=42",
		"MAJOR=8",
		"MINOR=0",
	)

	dev, err := parseUevent(buf)
	if err != nil {
		t.Fatalf("parseUevent: %v", err)
	}
	if dev.Action != "add" {
		t.Errorf("Action = %q, want add", dev.Action)
	}
	if dev.Subsystem != "block" {
		t.Errorf("Subsystem = %q, want block", dev.Subsystem)
	}
	if dev.Devname != "sda" {
		t.Errorf("Devname = %q, want sda", dev.Devname)
	}
	if dev.Seqnum != 42 {
		t.Errorf("Seqnum = %d, want 42", dev.Seqnum)
	}
	if !dev.HasDevNum || dev.DevNum.Major != 8 || dev.DevNum.Minor != 0 {
		t.Errorf("DevNum = %+v HasDevNum=%v, want 8:0 true", dev.DevNum, dev.HasDevNum)
	}
	if dev.Properties["SUBSYSTEM"] != "block" {
		t.Errorf("Properties[SUBSYSTEM] = %q, want block (raw fields preserved)", dev.Properties["SUBSYSTEM"])
	}
}

func TestParseUevent_MoveCarriesDevpathOld(t *testing.T) {
	buf := rawFrame("move@/devices/virtual/net/eth1",
		"ACTION=move",
		"DEVPATH=/devices/virtual/net/eth1",
		"DEVPATH_OLD=/devices/virtual/net/eth0",
		"SUBSYSTEM=net",
		"IFINDEX=7",
	)

	dev, err := parseUevent(buf)
	if err != nil {
		t.Fatalf("parseUevent: %v", err)
	}
	if dev.DevpathOld != "/devices/virtual/net/eth0" {
		t.Errorf("DevpathOld = %q, want /devices/virtual/net/eth0", dev.DevpathOld)
	}
	if dev.Ifindex != 7 {
		t.Errorf("Ifindex = %d, want 7", dev.Ifindex)
	}
}

func TestParseUevent_NoDevnumLeavesHasDevNumFalse(t *testing.T) {
	buf := rawFrame("add@/devices/virtual/net/eth0",
		"ACTION=add",
		"DEVPATH=/devices/virtual/net/eth0",
		"SUBSYSTEM=net",
	)

	dev, err := parseUevent(buf)
	if err != nil {
		t.Fatalf("parseUevent: %v", err)
	}
	if dev.HasDevNum {
		t.Error("HasDevNum = true, want false when MAJOR/MINOR absent")
	}
}

func TestParseUevent_RejectsHeaderWithoutAt(t *testing.T) {
	buf := rawFrame("add-devices-virtual-net-eth0", "ACTION=add")
	if _, err := parseUevent(buf); err == nil {
		t.Error("expected error for header missing '@'")
	}
}

func TestParseUevent_RejectsEmptyFrame(t *testing.T) {
	if _, err := parseUevent(nil); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestParseUevent_MalformedFieldIgnoredNotFatal(t *testing.T) {
	buf := rawFrame("add@/devices/virtual/block/sda",
		"ACTION=add",
		"DEVPATH=/devices/virtual/block/sda",
		"SUBSYSTEM=block",
		"GARBAGE-NO-EQUALS-SIGN",
		"DEVNAME=sda",
	)

	dev, err := parseUevent(buf)
	if err != nil {
		t.Fatalf("parseUevent: %v", err)
	}
	if dev.Devname != "sda" {
		t.Errorf("Devname = %q, want sda (fields after malformed one still parsed)", dev.Devname)
	}
}
