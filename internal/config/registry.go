package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// MaxFileBytes bounds a single rule file.
const MaxFileBytes = 256 * 1024

// MinReloadCooldown throttles stat checks.
const MinReloadCooldown = time.Second

var namespaceRe = regexp.MustCompile(`^[-_a-z0-9]+$`)

// Snapshot is an immutable published view of all rule namespaces.
// Readers receive deep copies of namespace trees; the snapshot itself is
// replaced atomically and never mutated in place.
type Snapshot struct {
	Namespaces map[string]map[string]interface{}
	Version    string
	LoadedAt   time.Time
}

type fileState struct {
	path  string
	mtime time.Time
	sha1  string
}

// Registry hot-reloads YAML rule files and publishes RCU snapshots.
type Registry struct {
	dir       string
	files     []string // namespaces in configured order
	validator func(ns string, tree map[string]interface{}) error

	current atomic.Value // *Snapshot

	mu        sync.Mutex
	states    map[string]*fileState
	lastCheck time.Time
	dirty     atomic.Bool

	// Observability hooks; nil-safe.
	OnReload func(version string)
	OnError  func(ns string, err error)
}

// Config selects the rules directory and the file set to load.
type Config struct {
	Dir        string   `yaml:"dir" env:"RULES_DIR"`
	Namespaces []string `yaml:"namespaces"`
}

// DefaultNamespaces is the configured file set.
var DefaultNamespaces = []string{"thresholds", "risk_rules", "onchain", "rules", "topic_merge"}

// NewRegistry creates a registry. The initial load is strict: any
// unparseable configured file fails construction.
func NewRegistry(cfg Config, validator func(ns string, tree map[string]interface{}) error) (*Registry, error) {
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = DefaultNamespaces
	}
	for _, ns := range cfg.Namespaces {
		if !namespaceRe.MatchString(ns) {
			return nil, fmt.Errorf("invalid rules namespace %q", ns)
		}
	}
	r := &Registry{
		dir:       cfg.Dir,
		files:     cfg.Namespaces,
		validator: validator,
		states:    make(map[string]*fileState),
	}
	snap := &Snapshot{Namespaces: make(map[string]map[string]interface{}), LoadedAt: time.Now()}
	for _, ns := range r.files {
		tree, st, err := r.loadFile(ns)
		if err != nil {
			return nil, fmt.Errorf("initial load of %s: %w", ns, err)
		}
		snap.Namespaces[ns] = tree
		r.states[ns] = st
	}
	snap.Version = r.combinedVersion()
	r.current.Store(snap)
	return r, nil
}

func (r *Registry) loadFile(ns string) (map[string]interface{}, *fileState, error) {
	path := filepath.Join(r.dir, ns+".yml")
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() > MaxFileBytes {
		return nil, nil, fmt.Errorf("file exceeds %d bytes", MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	data = SubstituteEnv(data)

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}
	if r.validator != nil {
		if err := r.validator(ns, tree); err != nil {
			return nil, nil, fmt.Errorf("validate: %w", err)
		}
	}
	sum := sha1.Sum(data)
	return tree, &fileState{
		path:  path,
		mtime: info.ModTime(),
		sha1:  hex.EncodeToString(sum[:]),
	}, nil
}

// combinedVersion is the first 12 hex of SHA1 over the concatenated
// per-file SHA1s in sorted namespace order. Callers hold r.mu.
func (r *Registry) combinedVersion() string {
	names := make([]string, 0, len(r.states))
	for ns := range r.states {
		names = append(names, ns)
	}
	sort.Strings(names)
	h := sha1.New()
	for _, ns := range names {
		h.Write([]byte(r.states[ns].sha1))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// ReloadIfStale re-checks file mtimes at most once per MinReloadCooldown
// (unless force) and publishes a new snapshot when any file changed.
// Reload failures preserve the last-good namespace. Returns whether a new
// snapshot was published.
func (r *Registry) ReloadIfStale(force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !force && !r.dirty.Load() && now.Sub(r.lastCheck) < MinReloadCooldown {
		return false
	}
	r.lastCheck = now
	r.dirty.Store(false)

	old := r.current.Load().(*Snapshot)
	changed := false
	next := make(map[string]map[string]interface{}, len(old.Namespaces))
	for ns, tree := range old.Namespaces {
		next[ns] = tree
	}

	for _, ns := range r.files {
		st := r.states[ns]
		info, err := os.Stat(st.path)
		if err != nil {
			r.reportError(ns, err)
			continue
		}
		if !force && info.ModTime().Equal(st.mtime) {
			continue
		}
		tree, newSt, err := r.loadFile(ns)
		if err != nil {
			// Never replace a good version with a bad one.
			r.reportError(ns, err)
			st.mtime = info.ModTime()
			continue
		}
		if newSt.sha1 == st.sha1 {
			st.mtime = newSt.mtime
			continue
		}
		next[ns] = tree
		r.states[ns] = newSt
		changed = true
	}

	if !changed {
		return false
	}
	snap := &Snapshot{
		Namespaces: next,
		Version:    r.combinedVersion(),
		LoadedAt:   now,
	}
	r.current.Store(snap)
	if r.OnReload != nil {
		r.OnReload(snap.Version)
	}
	log.Info().Str("stage", "config").Str("version", snap.Version).Msg("rules snapshot published")
	return true
}

func (r *Registry) reportError(ns string, err error) {
	if r.OnError != nil {
		r.OnError(ns, err)
	}
	log.Warn().Str("stage", "config").Str("namespace", ns).Err(err).Msg("rules reload failed, keeping last-good")
}

// Current returns the live snapshot (pointer copy; do not mutate).
func (r *Registry) Current() *Snapshot {
	return r.current.Load().(*Snapshot)
}

// SnapshotVersion returns the current combined 12-char hash.
func (r *Registry) SnapshotVersion() string {
	return r.Current().Version
}

// GetNS returns a deep copy of one namespace tree, or nil if absent.
func (r *Registry) GetNS(ns string) map[string]interface{} {
	tree, ok := r.Current().Namespaces[ns]
	if !ok {
		return nil
	}
	return deepCopyMap(tree)
}

// GetPath navigates "namespace.key.subkey" and returns def on any miss.
func (r *Registry) GetPath(dotted string, def interface{}) interface{} {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return def
	}
	cur, ok := r.Current().Namespaces[parts[0]]
	if !ok {
		return def
	}
	var node interface{} = cur
	for _, key := range parts[1:] {
		m, ok := node.(map[string]interface{})
		if !ok {
			return def
		}
		node, ok = m[key]
		if !ok {
			return def
		}
	}
	return deepCopyValue(node)
}

// InstallSignalHandler forces a reload on SIGHUP.
func (r *Registry) InstallSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			log.Info().Str("stage", "config").Msg("SIGHUP received, forcing rules reload")
			r.ReloadIfStale(true)
		}
	}()
}

// Watch marks the registry dirty when the rules directory changes so the
// next ReloadIfStale skips the cooldown. The mtime/sha checks still decide
// what actually reloads. Closing stop ends the watch.
func (r *Registry) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules dir: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					r.dirty.Store(true)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func splitDotted(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
