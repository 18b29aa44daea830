package worker_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/ruleengine"
	"github.com/tripwire/udevd/internal/ruleengine/builtin"
	"github.com/tripwire/udevd/internal/worker"
)

// TestMain intercepts a re-exec of the test binary itself, standing in
// for the real manager binary's hidden worker-mode flag (SPEC_FULL §6)
// without requiring a separately built cmd/udevd for the test. This is
// the same "helper subprocess" pattern net/http and os/exec use to test
// process-spawning code without a second binary.
func TestMain(m *testing.M) {
	if os.Getenv("UDEVD_WORKER_HELPER") == "1" {
		runHelperWorker()
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker() {
	engine := builtin.NewFromRules([]ruleengine.Rule{
		{Subsystem: "block", DevnamePrefix: "sd", SetProperties: map[string]string{"ID_BUS": "scsi"}},
	})
	err := worker.RunChild(context.Background(), worker.ChildConfig{
		DeviceFd:       3,
		CompletionSock: os.Getenv("UDEVD_WORKER_COMPLETION_SOCK"),
		Engine:         engine,
	})
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// spawnHelper launches the test binary with the worker-mode env var set,
// passing childFd as fd 3 exactly as Pool.spawn arranges for the real
// binary via ExtraFiles.
func spawnHelper(t *testing.T, childFd int, completionSock string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(),
		"UDEVD_WORKER_HELPER=1",
		"UDEVD_WORKER_COMPLETION_SOCK="+completionSock,
	)
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(childFd), "device-handoff-child")}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	return cmd
}

func TestRunChild_AppliesRulesAndReportsCompletion(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "completion.sock")

	pool, err := worker.New(worker.Config{
		ExecPath:           os.Args[0],
		CompletionSockPath: sockPath,
		ChildrenMax:        4,
		EventTimeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	defer pool.Shutdown()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	parentFd, childFd := fds[0], fds[1]

	cmd := spawnHelper(t, childFd, sockPath)
	syscall.Close(childFd)
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	dev := &device.Device{Seqnum: 1, Devpath: "/devices/virtual/block/sda", Subsystem: "block", Devname: "sda", Action: device.ActionAdd}
	if err := writeDeviceMessageForTest(parentFd, dev); err != nil {
		t.Fatalf("writeDeviceMessage: %v", err)
	}

	select {
	case c := <-pool.Completions():
		if c.Seqnum != 1 {
			t.Errorf("Seqnum = %d, want 1", c.Seqnum)
		}
		if c.Outcome.Properties["ID_BUS"] != "scsi" {
			t.Errorf("Properties = %v, want ID_BUS=scsi", c.Outcome.Properties)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// writeDeviceMessageForTest mirrors Pool's internal device-handoff wire
// format (a device plus a ruleengine.RuleContext, newline-delimited JSON)
// so the test can drive a helper worker directly without exporting that
// encoding from the package.
func writeDeviceMessageForTest(fd int, dev *device.Device) error {
	msg := struct {
		Device  *device.Device          `json:"device"`
		Context ruleengine.RuleContext `json:"context"`
	}{Device: dev}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = syscall.Write(fd, data)
	return err
}
