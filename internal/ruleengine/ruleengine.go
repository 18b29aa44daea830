// Package ruleengine defines the RuleEngine plug point (spec §9,
// SPEC_FULL §4.7) that a Worker invokes for every dispatched event, plus
// a builtin.Engine default implementation that mirrors a small set of
// udev's own builtin helpers (naming, permissions, symlinks).
package ruleengine

import (
	"context"

	"github.com/tripwire/udevd/internal/device"
)

// Classification distinguishes the three outcomes a rule application can
// produce, per spec §4.2/§4.7.
type Classification int

const (
	// OK means rules applied successfully; Outcome carries any side
	// effects to persist and forward.
	OK Classification = iota
	// Busy means the device's lock was contended; the event is dropped
	// at the scheduler layer with no requeue (spec §4.3).
	Busy
	// Fatal means rule application failed unrecoverably; the event's
	// persisted state must be deleted and only the frozen kernel-side
	// clone forwarded downstream (spec §4.2).
	Fatal
)

// Outcome is the result of applying rules to one device.
type Outcome struct {
	Classification Classification

	// Properties are additional KEY=VALUE pairs the rules computed,
	// merged into the device record before it is forwarded downstream.
	Properties map[string]string

	// Symlinks are /dev symlink targets the rules requested be created
	// pointing at the device's node.
	Symlinks []string

	// Mode, if non-zero, is the file mode rules requested for the
	// device's node.
	Mode uint32

	// WantWatch reports whether any matched rule explicitly requested an
	// inotify watch on this device via the OPTIONS="watch" builtin,
	// independent of the §4.3 locking-contention fallback path.
	WantWatch bool

	// Err, set only when Classification == Fatal, is the underlying
	// cause for audit logging.
	Err error
}

// RuleContext carries per-dispatch information a rule application may
// need beyond the device record itself.
type RuleContext struct {
	// DevNodePath is the resolved /dev node path for the device, if any.
	DevNodePath string

	// Properties are the operator's SET_ENV overrides in force at
	// dispatch time (spec §3, §4.5). An Engine applies these on top of
	// its own rule-computed properties so an operator override always
	// wins, matching SET_ENV's control-socket semantics.
	Properties map[string]string
}

// Engine applies rules to devices and reports whether its loaded rule set
// is still current. Implementations must be safe for concurrent Apply
// calls from multiple worker goroutines/processes, though in production
// each worker process holds its own Engine instance loaded from the same
// on-disk rule set.
type Engine interface {
	Apply(ctx context.Context, dev *device.Device, rctx RuleContext) (Outcome, error)
	Validate() bool
}

// Rule is a single builtin rule: a subsystem/devname match plus the
// side-effects to apply when it matches. This is a narrow, reference
// builtin set, not a general rule-file grammar (out of scope per
// spec.md §1's "the exact rule-matching DSL is a narrow trait").
type Rule struct {
	// Subsystem, if non-empty, must equal dev.Subsystem.
	Subsystem string
	// DevnamePrefix, if non-empty, must prefix dev.Devname.
	DevnamePrefix string
	// SetProperties are merged into the outcome on match.
	SetProperties map[string]string
	// Symlinks are appended to the outcome on match; "%k" in a symlink
	// entry is substituted with dev.Devname.
	Symlinks []string
	// Mode, if non-zero, sets the outcome's Mode on match.
	Mode uint32
	// Watch requests an inotify watch independent of lock contention.
	Watch bool
}

// Matches reports whether r applies to dev.
func (r Rule) Matches(dev *device.Device) bool {
	if r.Subsystem != "" && r.Subsystem != dev.Subsystem {
		return false
	}
	if r.DevnamePrefix != "" && !hasPrefix(dev.Devname, r.DevnamePrefix) {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
