package rules

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/chainpulse/chainpulse/internal/config"
)

// Namespace is the registry file the engine reads.
const Namespace = "rules"

// Engine serves compiled snapshots on top of the hot-reloading registry.
// Compilation is cached per registry version so the steady-state read path
// is a single atomic load plus a map lookup.
type Engine struct {
	reg     *config.Registry
	refiner Refiner

	mu       sync.Mutex
	compiled *Snapshot
	version  string
}

// NewEngine compiles the current rules namespace eagerly so a broken file
// fails startup instead of the first evaluation.
func NewEngine(reg *config.Registry, refiner Refiner) (*Engine, error) {
	e := &Engine{reg: reg, refiner: refiner}
	if _, err := e.snapshot(); err != nil {
		return nil, err
	}
	return e, nil
}

// snapshot returns the compiled rules for the registry's current version,
// recompiling only on version change.
func (e *Engine) snapshot() (*Snapshot, error) {
	version := e.reg.SnapshotVersion()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compiled != nil && e.version == version {
		return e.compiled, nil
	}

	tree := e.reg.GetNS(Namespace)
	if tree == nil {
		return nil, fmt.Errorf("rules namespace %q is not loaded", Namespace)
	}
	f, err := decodeFile(tree)
	if err != nil {
		return nil, err
	}
	snap, err := CompileFile(f, version)
	if err != nil {
		// Keep serving the previous compiled set on a bad file.
		if e.compiled != nil {
			return e.compiled, nil
		}
		return nil, err
	}
	e.compiled = snap
	e.version = version
	return snap, nil
}

func decodeFile(tree map[string]interface{}) (*File, error) {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("re-encode rules tree: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	return &f, nil
}

// Evaluate checks for stale rule files, evaluates the row against the
// current snapshot and optionally refines the reasons. HotReloaded marks
// verdicts whose call published a new snapshot.
func (e *Engine) Evaluate(ctx context.Context, env map[string]interface{}) (*Verdict, error) {
	reloaded := e.reg.ReloadIfStale(false)
	snap, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	v := snap.Evaluate(env)
	v.HotReloaded = reloaded
	if e.refiner != nil {
		v.Refine(ctx, e.refiner)
	}
	return v, nil
}

// Version exposes the compiled snapshot version for health reporting.
func (e *Engine) Version() string {
	snap, err := e.snapshot()
	if err != nil {
		return ""
	}
	return snap.Version
}
