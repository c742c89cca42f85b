package config

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// FieldChange records one configuration field that differs between the
// previous and the newly adopted snapshot.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// ChangeSummary describes the outcome of a successful reload.
type ChangeSummary struct {
	Changed []FieldChange
	// RestartRequired lists changed fields whose backing resource is bound
	// at startup (listen socket, TLS material) and therefore keeps its old
	// value until the process restarts.
	RestartRequired []string
}

// restartOnly lists field prefixes that cannot be hot-swapped.
var restartOnly = []string{"listen", "tls.cert_file", "tls.key_file", "metrics.listen"}

// Store publishes the active snapshot. Reads are lock-free; Reload swaps
// the pointer atomically after full validation, so a reader that captured
// the old snapshot keeps observing consistent old values.
type Store struct {
	current  atomic.Pointer[Snapshot]
	path     string
	reloadMu sync.Mutex
}

// NewStore creates a store seeded with an already-validated snapshot.
func NewStore(path string, snap Snapshot) *Store {
	s := &Store{path: path}
	s.current.Store(&snap)
	return s
}

// Open loads, validates and publishes the snapshot at path.
func Open(path string) (*Store, error) {
	snap, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(path, snap), nil
}

// Current returns the active snapshot. The returned pointer is immutable;
// callers capture it once per operation and must not hold it across
// operations that should observe reloads.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Path returns the config file path this store reloads from.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the config file, validates it wholesale and swaps it in.
// On any validation failure the active snapshot is untouched and the error
// is returned to the trigger's caller. Reload is idempotent and safe to
// invoke from concurrent triggers.
func (s *Store) Reload() (ChangeSummary, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := ParseFile(s.path)
	if err != nil {
		return ChangeSummary{}, err
	}
	prev := s.current.Load()
	summary := Diff(*prev, next)
	s.current.Store(&next)
	return summary, nil
}

// Replace swaps in an in-memory snapshot after validating it. Used by tests
// and by control-plane updates that do not round-trip through the file.
func (s *Store) Replace(next Snapshot) (ChangeSummary, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := Validate(next); err != nil {
		return ChangeSummary{}, err
	}
	prev := s.current.Load()
	summary := Diff(*prev, next)
	s.current.Store(&next)
	return summary, nil
}

// Diff computes the field-level difference between two snapshots. Field
// names are dotted yaml paths ("safety.sensitivity").
func Diff(old, new Snapshot) ChangeSummary {
	oldFields := flatten(old)
	newFields := flatten(new)

	keys := make(map[string]struct{}, len(oldFields)+len(newFields))
	for k := range oldFields {
		keys[k] = struct{}{}
	}
	for k := range newFields {
		keys[k] = struct{}{}
	}

	var summary ChangeSummary
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		ov, nv := oldFields[k], newFields[k]
		if ov == nv {
			continue
		}
		summary.Changed = append(summary.Changed, FieldChange{Field: k, Old: ov, New: nv})
		for _, prefix := range restartOnly {
			if k == prefix {
				summary.RestartRequired = append(summary.RestartRequired, k)
			}
		}
	}
	return summary
}

// flatten renders a snapshot to dotted field → scalar string form by
// round-tripping through yaml, which keeps the diff aligned with the file
// format users edit.
func flatten(s Snapshot) map[string]string {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil
	}
	out := make(map[string]string)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]string, prefix string, node any) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			flattenInto(out, path, child)
		}
	case []any:
		for i, child := range v {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		out[prefix] = fmt.Sprintf("%v", v)
	}
}
