// Package versioning implements event schema evolution: per event type,
// directed graphs of upcast (old to new) and downcast (new to old) rules.
// A stored event whose schema version differs from the type's current
// version is transformed along the shortest rule chain before it reaches
// any consumer.
package versioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/claimsstack/eventwave/core/es"
)

var (
	ErrNoPath      = errors.New("no versioning path")
	ErrRuleInvalid = errors.New("invalid versioning rule")
)

// VersioningError reports that no transform chain connects two schema
// versions of an event type. It is an operational/config error and is
// surfaced immediately, never silently dropped.
type VersioningError struct {
	EventType   string
	FromVersion string
	ToVersion   string
}

func (e *VersioningError) Error() string {
	return fmt.Sprintf("no versioning path for %s: %s -> %s", e.EventType, e.FromVersion, e.ToVersion)
}

func (e *VersioningError) Unwrap() error { return ErrNoPath }

type (
	// Transform rewrites an event payload from one schema version to an
	// adjacent one.
	Transform func(payload map[string]any) (map[string]any, error)

	// Validator is an optional pre-condition checked against the payload
	// in its current state, before the edge's transform runs.
	Validator func(payload map[string]any) error

	// Rule is one edge in a type's versioning graph.
	Rule struct {
		FromVersion string
		ToVersion   string
		Transform   Transform
		Validate    Validator
	}

	// RuleSet declares an event type's current schema version and its
	// transform graphs in both directions.
	RuleSet struct {
		EventType     string
		Version       string
		UpcastRules   []Rule
		DowncastRules []Rule
	}
)

type ruleIndex struct {
	version  string
	upcast   map[string][]Rule
	downcast map[string][]Rule
}

// Registry indexes rule sets by event type. It is an explicit object
// constructed at startup and handed to the event store, not a process
// global. It implements es.Upgrader.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*ruleIndex
}

func NewRegistry() *Registry {
	return &Registry{rules: map[string]*ruleIndex{}}
}

// Register indexes a rule set by (eventType, fromVersion) for both
// directions. Re-registering a type replaces its rules.
func (r *Registry) Register(rs RuleSet) error {
	if rs.EventType == "" {
		return fmt.Errorf("%w: event type is empty", ErrRuleInvalid)
	}
	if _, err := parseVersion(rs.Version); err != nil {
		return fmt.Errorf("%w: target version %q: %v", ErrRuleInvalid, rs.Version, err)
	}

	idx := &ruleIndex{
		version:  rs.Version,
		upcast:   map[string][]Rule{},
		downcast: map[string][]Rule{},
	}
	for _, rule := range rs.UpcastRules {
		if err := indexRule(idx.upcast, rule); err != nil {
			return err
		}
	}
	for _, rule := range rs.DowncastRules {
		if err := indexRule(idx.downcast, rule); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rs.EventType] = idx
	return nil
}

func indexRule(edges map[string][]Rule, rule Rule) error {
	if rule.Transform == nil {
		return fmt.Errorf("%w: %s -> %s has no transform", ErrRuleInvalid, rule.FromVersion, rule.ToVersion)
	}
	from, err := parseVersion(rule.FromVersion)
	if err != nil {
		return fmt.Errorf("%w: from version %q: %v", ErrRuleInvalid, rule.FromVersion, err)
	}
	if _, err := parseVersion(rule.ToVersion); err != nil {
		return fmt.Errorf("%w: to version %q: %v", ErrRuleInvalid, rule.ToVersion, err)
	}
	edges[from.key()] = append(edges[from.key()], rule)
	return nil
}

// UpgradeEvent brings an envelope's payload to its type's current schema
// version: older payloads are upcast, newer ones downcast, current ones
// pass through. A type with no registered rules passes through unchanged;
// unversioned events are valid.
func (r *Registry) UpgradeEvent(env es.Envelope) (es.Envelope, error) {
	r.mu.RLock()
	idx, ok := r.rules[env.Type]
	r.mu.RUnlock()
	if !ok {
		return env, nil
	}
	return r.transformTo(env, idx, idx.version)
}

// TransformToVersion rewrites the envelope's payload to an explicit target
// version, in whichever direction is needed.
func (r *Registry) TransformToVersion(env es.Envelope, targetVersion string) (es.Envelope, error) {
	r.mu.RLock()
	idx, ok := r.rules[env.Type]
	r.mu.RUnlock()
	if !ok {
		return env, &VersioningError{
			EventType:   env.Type,
			FromVersion: storedVersionOf(env),
			ToVersion:   targetVersion,
		}
	}
	return r.transformTo(env, idx, targetVersion)
}

func (r *Registry) transformTo(env es.Envelope, idx *ruleIndex, target string) (es.Envelope, error) {
	stored := storedVersionOf(env)

	cmp, err := CompareVersions(stored, target)
	if err != nil {
		return env, err
	}
	if cmp == 0 {
		return env, nil
	}

	edges := idx.upcast
	if cmp > 0 {
		edges = idx.downcast
	}

	chain, ok := shortestPath(edges, stored, target)
	if !ok {
		return env, &VersioningError{EventType: env.Type, FromVersion: stored, ToVersion: target}
	}

	payload := map[string]any{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return env, fmt.Errorf("failed to decode payload of %s: %w", env.ID, err)
		}
	}

	for _, rule := range chain {
		if rule.Validate != nil {
			if err := rule.Validate(payload); err != nil {
				return env, fmt.Errorf(
					"versioning pre-condition failed for %s at %s -> %s: %w",
					env.Type, rule.FromVersion, rule.ToVersion, err,
				)
			}
		}
		payload, err = rule.Transform(payload)
		if err != nil {
			return env, fmt.Errorf(
				"versioning transform failed for %s at %s -> %s: %w",
				env.Type, rule.FromVersion, rule.ToVersion, err,
			)
		}
		env.Metadata.SchemaVersion = rule.ToVersion
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Data = data

	return env, nil
}

// shortestPath is a breadth-first search over the rule graph from source
// to target, returning the shortest transform chain.
func shortestPath(edges map[string][]Rule, from, to string) ([]Rule, bool) {
	src, err := parseVersion(from)
	if err != nil {
		return nil, false
	}
	dst, err := parseVersion(to)
	if err != nil {
		return nil, false
	}

	type node struct {
		key   string
		chain []Rule
	}

	visited := map[string]bool{src.key(): true}
	queue := []node{{key: src.key()}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.key == dst.key() {
			return cur.chain, true
		}

		for _, rule := range edges[cur.key] {
			next, err := parseVersion(rule.ToVersion)
			if err != nil {
				continue
			}
			nk := next.key()
			if visited[nk] {
				continue
			}
			visited[nk] = true

			chain := make([]Rule, len(cur.chain), len(cur.chain)+1)
			copy(chain, cur.chain)
			queue = append(queue, node{key: nk, chain: append(chain, rule)})
		}
	}

	return nil, false
}

func storedVersionOf(env es.Envelope) string {
	if env.Metadata.SchemaVersion == "" {
		// events that predate versioning are treated as version 1
		return "1"
	}
	return env.Metadata.SchemaVersion
}

// === dot-notation versions ===

type version []int

func (v version) key() string {
	// canonical form: trailing zero components stripped, so "1.0" == "1"
	end := len(v)
	for end > 1 && v[end-1] == 0 {
		end--
	}
	parts := make([]string, end)
	for i := 0; i < end; i++ {
		parts[i] = strconv.Itoa(v[i])
	}
	return strings.Join(parts, ".")
}

func parseVersion(s string) (version, error) {
	if s == "" {
		return nil, errors.New("version is empty")
	}
	parts := strings.Split(s, ".")
	out := make(version, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad version component %q", p)
		}
		out[i] = n
	}
	return out, nil
}

// CompareVersions compares dot-notation versions component-wise as
// numbers, so "1.10" sorts after "1.2". Returns -1, 0 or 1.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}

	n := len(va)
	if len(vb) > n {
		n = len(vb)
	}
	for i := 0; i < n; i++ {
		ca, cb := 0, 0
		if i < len(va) {
			ca = va[i]
		}
		if i < len(vb) {
			cb = vb[i]
		}
		if ca != cb {
			if ca < cb {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}
