package manager_test

import (
	"path/filepath"
	"testing"

	"github.com/tripwire/udevd/internal/config"
	"github.com/tripwire/udevd/internal/manager"
	"github.com/tripwire/udevd/internal/queue"
	"github.com/tripwire/udevd/internal/ruleengine/builtin"
	"github.com/tripwire/udevd/internal/worker"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	cfg := &config.Config{ChildrenMax: 4}
	q := queue.New("")
	engine := builtin.NewFromRules(nil)
	pool, err := worker.New(worker.Config{
		ChildrenMax:        4,
		CompletionSockPath: filepath.Join(t.TempDir(), "completion.sock"),
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	t.Cleanup(pool.Shutdown)
	return manager.New(cfg, q, pool, engine)
}

func TestDispatchEnabled_DefaultsTrue(t *testing.T) {
	m := newTestManager(t)
	if !m.DispatchEnabled() {
		t.Error("DispatchEnabled should default to true")
	}
}

func TestSetStopExecQueue_DisablesDispatch(t *testing.T) {
	m := newTestManager(t)
	m.SetStopExecQueue(true)
	if m.DispatchEnabled() {
		t.Error("DispatchEnabled should be false after SetStopExecQueue(true)")
	}
	m.SetStopExecQueue(false)
	if !m.DispatchEnabled() {
		t.Error("DispatchEnabled should be true again after SetStopExecQueue(false)")
	}
}

func TestRequestExit_DisablesDispatch(t *testing.T) {
	m := newTestManager(t)
	m.RequestExit()
	if !m.Exit() {
		t.Error("Exit should be true after RequestExit")
	}
	if m.DispatchEnabled() {
		t.Error("DispatchEnabled should be false once exit is requested")
	}
}

func TestApplyEnv_SetThenRemoveRestoresPreSetState(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.Property("K"); ok {
		t.Fatal("K should not be set before any SET_ENV")
	}

	m.ApplyEnv("K", "v", false)
	if v, ok := m.Property("K"); !ok || v != "v" {
		t.Fatalf("Property(K) = %q, %v, want v, true", v, ok)
	}

	m.ApplyEnv("K", "", true)
	if _, ok := m.Property("K"); ok {
		t.Error("Property(K) should be absent again after SET_ENV(K=), restoring pre-set state (law L3)")
	}
}

func TestProperties_ReturnsIndependentSnapshot(t *testing.T) {
	m := newTestManager(t)
	m.ApplyEnv("A", "1", false)

	snap := m.Properties()
	snap["A"] = "mutated"

	if v, _ := m.Property("A"); v != "1" {
		t.Errorf("mutating the snapshot affected Manager state: Property(A) = %q", v)
	}
}

func TestSetChildrenMax_UpdatesConfig(t *testing.T) {
	m := newTestManager(t)
	m.SetChildrenMax(2)
	if m.Config.ChildrenMax != 2 {
		t.Errorf("Config.ChildrenMax = %d, want 2", m.Config.ChildrenMax)
	}
}

func TestSetChildrenMax_IgnoresNonPositive(t *testing.T) {
	m := newTestManager(t)
	m.SetChildrenMax(0)
	if m.Config.ChildrenMax != 4 {
		t.Errorf("Config.ChildrenMax = %d, want unchanged 4", m.Config.ChildrenMax)
	}
	m.SetChildrenMax(-1)
	if m.Config.ChildrenMax != 4 {
		t.Errorf("Config.ChildrenMax = %d, want unchanged 4", m.Config.ChildrenMax)
	}
}

func TestOwnerPID_MatchesCurrentProcess(t *testing.T) {
	m := newTestManager(t)
	if m.OwnerPID() == 0 {
		t.Error("OwnerPID should not be zero")
	}
}
