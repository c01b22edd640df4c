package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry is the immutable, in-memory set of scenarios loaded once at
// startup from SCENARIOS_DIR. There is no hot reload: a new scenario
// requires a process restart, matching the panel's own "registered at
// startup" contract (spec.md §4.5).
type Registry struct {
	byKey map[string]*Scenario

	mu             sync.Mutex
	outboundCursor int
	inboundCursor  int
}

// Load reads every *.yaml / *.yml file directly under dir and parses each
// as a single Scenario.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario: read scenarios dir: %w", err)
	}

	reg := &Registry{byKey: make(map[string]*Scenario)}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("scenario: read %s: %w", path, err)
		}

		var s Scenario
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
		}
		if s.Company == "" || s.Name == "" {
			return nil, fmt.Errorf("scenario: %s missing company/name", path)
		}
		if _, ok := s.EntryStep(false); !ok {
			return nil, fmt.Errorf("scenario: %s has no outbound entry step", path)
		}
		if hasStep := hasTransferStep(s.Flow) || hasTransferStep(s.InboundFlow); hasStep && !s.TransferToOperator {
			return nil, fmt.Errorf("scenario: %s has a transfer_to_operator step but does not declare transfer_to_operator: true", path)
		}

		reg.byKey[s.Key()] = &s
	}

	return reg, nil
}

// hasTransferStep reports whether graph contains a transfer_to_operator
// node, used to validate Scenario.TransferToOperator against the flow it
// actually declares rather than leaving it a disconnected flag a scenario
// author could forget to set.
func hasTransferStep(graph map[string]Step) bool {
	for _, st := range graph {
		if st.Kind == KindTransferToOperator {
			return true
		}
	}
	return false
}

// Get returns the scenario registered under company/name.
func (r *Registry) Get(company, name string) (*Scenario, bool) {
	s, ok := r.byKey[company+"/"+name]
	return s, ok
}

// Loaded reports whether the given scenario name is present in the
// registry for the given company, regardless of whether it is currently
// active on the panel's active_scenarios list.
func (r *Registry) Loaded(company, name string) bool {
	_, ok := r.byKey[company+"/"+name]
	return ok
}

// sortedKeysFor returns the scenario keys for company whose Name appears
// in active, filtered further by requireInbound, sorted for deterministic
// round robin.
func (r *Registry) sortedKeysFor(company string, active []string, requireInbound bool) []string {
	activeSet := make(map[string]bool, len(active))
	for _, a := range active {
		activeSet[a] = true
	}

	var keys []string
	for key, s := range r.byKey {
		if s.Company != company {
			continue
		}
		if !activeSet[s.Name] {
			continue
		}
		if requireInbound && !s.HasInboundFlow() {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AllNames returns every scenario name loaded for company, regardless of
// the panel's active_scenarios list. Inbound selection (NextInbound) is
// restricted to active scenarios that declare an inbound flow; the
// orchestrator uses AllNames only as its fallback when no such active
// scenario exists.
func (r *Registry) AllNames(company string) []string {
	var names []string
	for _, s := range r.byKey {
		if s.Company == company {
			names = append(names, s.Name)
		}
	}
	return names
}

// All returns every scenario loaded for company, sorted by name, for
// registering the dialer's roster with the campaign panel at startup
// (spec.md §4.5).
func (r *Registry) All(company string) []*Scenario {
	var out []*Scenario
	for _, s := range r.byKey {
		if s.Company == company {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextOutbound round-robins across the intersection of the panel's
// active_scenarios for company and the scenarios actually loaded from
// disk (spec.md §9 Open Question: panel authoritative for set membership,
// local registry authoritative for existence).
func (r *Registry) NextOutbound(company string, active []string) (*Scenario, bool) {
	return r.next(company, active, false, &r.outboundCursor)
}

// NextInbound round-robins across scenarios restricted to those declaring
// a non-nil inbound flow.
func (r *Registry) NextInbound(company string, active []string) (*Scenario, bool) {
	return r.next(company, active, true, &r.inboundCursor)
}

func (r *Registry) next(company string, active []string, requireInbound bool, cursor *int) (*Scenario, bool) {
	keys := r.sortedKeysFor(company, active, requireInbound)
	if len(keys) == 0 {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	*cursor = *cursor % len(keys)
	key := keys[*cursor]
	*cursor++

	return r.byKey[key], true
}
