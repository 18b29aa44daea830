package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/ruleengine"
	"github.com/tripwire/udevd/internal/ruleengine/builtin"
)

func TestApply_NoRulesMatches(t *testing.T) {
	e := builtin.NewFromRules(nil)
	out, err := e.Apply(context.Background(), &device.Device{Subsystem: "block", Devname: "sda"}, ruleengine.RuleContext{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Classification != ruleengine.OK {
		t.Errorf("Classification = %v, want OK", out.Classification)
	}
	if len(out.Properties) != 0 {
		t.Errorf("Properties = %v, want empty", out.Properties)
	}
}

func TestApply_MatchingRuleSetsProperties(t *testing.T) {
	e := builtin.NewFromRules([]ruleengine.Rule{
		{
			Subsystem:     "block",
			DevnamePrefix: "sd",
			SetProperties: map[string]string{"ID_BUS": "scsi"},
			Symlinks:      []string{"disk/by-id/%k"},
			Mode:          0o660,
		},
	})

	dev := &device.Device{Subsystem: "block", Devname: "sda"}
	out, err := e.Apply(context.Background(), dev, ruleengine.RuleContext{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Properties["ID_BUS"] != "scsi" {
		t.Errorf("Properties = %v", out.Properties)
	}
	if len(out.Symlinks) != 1 || out.Symlinks[0] != "disk/by-id/sda" {
		t.Errorf("Symlinks = %v", out.Symlinks)
	}
	if out.Mode != 0o660 {
		t.Errorf("Mode = %o, want 0660", out.Mode)
	}
}

func TestApply_NonMatchingSubsystemSkipped(t *testing.T) {
	e := builtin.NewFromRules([]ruleengine.Rule{
		{Subsystem: "net", SetProperties: map[string]string{"X": "1"}},
	})
	out, _ := e.Apply(context.Background(), &device.Device{Subsystem: "block"}, ruleengine.RuleContext{})
	if len(out.Properties) != 0 {
		t.Errorf("Properties = %v, want empty for non-matching subsystem", out.Properties)
	}
}

func TestNewLoadsFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
rules:
  - subsystem: block
    devname_prefix: sd
    set_properties:
      ID_BUS: scsi
    mode: "0660"
    watch: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	e, err := builtin.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := e.Apply(context.Background(), &device.Device{Subsystem: "block", Devname: "sda"}, ruleengine.RuleContext{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Properties["ID_BUS"] != "scsi" || out.Mode != 0o660 || !out.WantWatch {
		t.Errorf("Apply result = %+v", out)
	}
}

func TestValidate_ReloadsOnMTimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e, err := builtin.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !e.Validate() {
		t.Fatal("Validate() = false on unchanged file")
	}

	// Ensure mtime strictly advances on filesystems with coarse timestamp
	// resolution before rewriting with a new rule.
	time.Sleep(10 * time.Millisecond)
	future := time.Now().Add(time.Second)
	newContent := `
rules:
  - subsystem: block
    set_properties:
      X: "1"
`
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if !e.Validate() {
		t.Fatal("Validate() = false after legitimate rule change")
	}
	out, _ := e.Apply(context.Background(), &device.Device{Subsystem: "block"}, ruleengine.RuleContext{})
	if out.Properties["X"] != "1" {
		t.Errorf("Apply after reload = %+v, want reloaded rule applied", out)
	}
}

func TestValidate_MissingFileIsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: []"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	e, err := builtin.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	os.Remove(path)
	if e.Validate() {
		t.Error("Validate() = true for a rule file that no longer exists")
	}
}
