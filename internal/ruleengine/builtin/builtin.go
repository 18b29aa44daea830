// Package builtin provides the default RuleEngine: a small, file-loaded
// set of subsystem/devname rules mirroring udev's own builtin helpers
// (naming, permissions, symlinks), reloaded whenever Validate finds the
// backing rule file's mtime has advanced (SPEC_FULL §4.6's 3-second
// freshness check).
package builtin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/ruleengine"
	"gopkg.in/yaml.v3"
)

// fileRule is the on-disk YAML shape for one ruleengine.Rule.
type fileRule struct {
	Subsystem     string            `yaml:"subsystem"`
	DevnamePrefix string            `yaml:"devname_prefix"`
	SetProperties map[string]string `yaml:"set_properties"`
	Symlinks      []string          `yaml:"symlinks"`
	Mode          string            `yaml:"mode"` // octal string, e.g. "0660"
	Watch         bool              `yaml:"watch"`
}

// Engine is the default ruleengine.Engine. The zero value is not usable;
// construct with New or NewFromRules.
type Engine struct {
	path string

	mu      sync.RWMutex
	rules   []ruleengine.Rule
	modTime time.Time
}

// New loads rules from the YAML file at path. An empty path yields an
// Engine with no rules (every event matches nothing, producing only the
// device's own fields).
func New(path string) (*Engine, error) {
	e := &Engine{path: path}
	if path == "" {
		return e, nil
	}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewFromRules builds an Engine directly from an in-memory rule set,
// bypassing file loading entirely. Used by tests and by callers that
// assemble rules programmatically.
func NewFromRules(rules []ruleengine.Rule) *Engine {
	return &Engine{rules: rules}
}

func (e *Engine) reload() error {
	info, err := os.Stat(e.path)
	if err != nil {
		return fmt.Errorf("builtin: stat %q: %w", e.path, err)
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("builtin: read %q: %w", e.path, err)
	}

	var raw struct {
		Rules []fileRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("builtin: parse %q: %w", e.path, err)
	}

	rules := make([]ruleengine.Rule, 0, len(raw.Rules))
	for _, fr := range raw.Rules {
		r := ruleengine.Rule{
			Subsystem:     fr.Subsystem,
			DevnamePrefix: fr.DevnamePrefix,
			SetProperties: fr.SetProperties,
			Symlinks:      fr.Symlinks,
			Watch:         fr.Watch,
		}
		if fr.Mode != "" {
			mode, err := strconv.ParseUint(fr.Mode, 8, 32)
			if err != nil {
				return fmt.Errorf("builtin: rule mode %q: %w", fr.Mode, err)
			}
			r.Mode = uint32(mode)
		}
		rules = append(rules, r)
	}

	e.mu.Lock()
	e.rules = rules
	e.modTime = info.ModTime()
	e.mu.Unlock()
	return nil
}

// Validate reports whether the loaded rule set is current, reloading it
// from disk first if the file's mtime has advanced. Called by the
// Supervisor's 3-second freshness check (SPEC_FULL §4.6); returns false
// only if a reload was attempted and failed, leaving the prior rule set
// in force.
func (e *Engine) Validate() bool {
	if e.path == "" {
		return true
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return false
	}

	e.mu.RLock()
	stale := info.ModTime().After(e.modTime)
	e.mu.RUnlock()
	if !stale {
		return true
	}

	return e.reload() == nil
}

// Apply evaluates every loaded rule against dev in order and merges the
// side-effects of all matches (later rules may override earlier
// property/mode values, matching udev's own last-rule-wins semantics).
func (e *Engine) Apply(_ context.Context, dev *device.Device, rctx ruleengine.RuleContext) (ruleengine.Outcome, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	out := ruleengine.Outcome{Classification: ruleengine.OK, Properties: map[string]string{}}

	for _, r := range rules {
		if !r.Matches(dev) {
			continue
		}
		for k, v := range r.SetProperties {
			out.Properties[k] = v
		}
		for _, sym := range r.Symlinks {
			out.Symlinks = append(out.Symlinks, strings.ReplaceAll(sym, "%k", dev.Devname))
		}
		if r.Mode != 0 {
			out.Mode = r.Mode
		}
		if r.Watch {
			out.WantWatch = true
		}
	}

	for k, v := range rctx.Properties {
		out.Properties[k] = v
	}

	return out, nil
}
