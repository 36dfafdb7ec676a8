package capability

import (
	"fmt"
	"sort"
)

// Rule expresses how a single named feature's presence on each peer
// determines whether it ends up enabled.
type Rule int

const (
	// RequireBoth enables the feature only if both peers declare it.
	RequireBoth Rule = iota
	// RequireClient enables the feature whenever the client declares it.
	RequireClient
	// RequireServer enables the feature whenever the server declares it.
	RequireServer
	// Optional always enables the feature, whatever either peer declares
	// (default-on, as for the "progress" feature).
	Optional
)

// Predicate is a custom compatibility rule, used when Rule doesn't capture
// the feature's negotiation semantics.
type Predicate func(clientHas, serverHas bool) bool

// FeatureRule pairs a feature name with its negotiation rule. Exactly one of
// Rule or Custom should be meaningful; Custom takes precedence when non-nil.
type FeatureRule struct {
	Name   string
	Rule   Rule
	Custom Predicate
}

// DefaultRules mirrors spec §4.3's table.
func DefaultRules() []FeatureRule {
	return []FeatureRule{
		{Name: "tools", Rule: RequireServer},
		{Name: "prompts", Rule: RequireServer},
		{Name: "resources", Rule: RequireServer},
		{Name: "logging", Rule: RequireServer},
		{Name: "sampling", Rule: RequireClient},
		{Name: "roots", Rule: RequireClient},
		{Name: "progress", Rule: Optional},
	}
}

// Set is a peer's declared capability map: feature name -> present.
type Set map[string]bool

// ClientCapabilities mirrors spec §3's client capability shape.
type ClientCapabilities struct {
	Sampling     bool
	Roots        bool
	Elicitation  bool
	Experimental map[string]bool
}

// ServerCapabilities mirrors spec §3's server capability shape.
type ServerCapabilities struct {
	Tools        bool
	Prompts      bool
	Resources    bool
	Logging      bool
	Completions  bool
	Experimental map[string]bool
}

func (c ClientCapabilities) toSet() Set {
	s := Set{"sampling": c.Sampling, "roots": c.Roots, "elicitation": c.Elicitation}
	for k, v := range c.Experimental {
		s[k] = v
	}
	return s
}

func (s ServerCapabilities) toSet() Set {
	set := Set{"tools": s.Tools, "prompts": s.Prompts, "resources": s.Resources,
		"logging": s.Logging, "completions": s.Completions}
	for k, v := range s.Experimental {
		set[k] = v
	}
	return set
}

// CapabilitySet is the immutable result of negotiation: the subset of
// features enabled for this session.
type CapabilitySet struct {
	enabled  map[string]bool
	disabled []string
}

// Enabled reports whether a feature is active for this session.
func (cs CapabilitySet) Enabled(name string) bool { return cs.enabled[name] }

// Disabled lists every evaluated feature that did not negotiate on,
// including ones neither peer declared, for logging (spec: "log the rest as
// disabled").
func (cs CapabilitySet) Disabled() []string {
	out := make([]string, len(cs.disabled))
	copy(out, cs.disabled)
	return out
}

// IncompatibleFeaturesError reports the features that failed negotiation
// under strict mode.
type IncompatibleFeaturesError struct {
	Features []string
}

func (e *IncompatibleFeaturesError) Error() string {
	return fmt.Sprintf("capability: incompatible features: %v", e.Features)
}

// Negotiator reconciles client/server capability sets per spec §4.3.
type Negotiator struct {
	rules      []FeatureRule
	strictMode bool
}

// NewNegotiator builds a Negotiator. A nil/empty rules slice falls back to
// DefaultRules().
func NewNegotiator(rules []FeatureRule, strictMode bool) *Negotiator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Negotiator{rules: rules, strictMode: strictMode}
}

// Negotiate reconciles clientCaps and serverCaps, evaluating every feature
// declared by either peer plus the negotiator's defaults.
func (n *Negotiator) Negotiate(clientCaps ClientCapabilities, serverCaps ServerCapabilities) (CapabilitySet, error) {
	clientSet := clientCaps.toSet()
	serverSet := serverCaps.toSet()

	names := collectFeatureNames(n.rules, clientSet, serverSet)

	ruleByName := make(map[string]FeatureRule, len(n.rules))
	for _, r := range n.rules {
		ruleByName[r.Name] = r
	}

	cs := CapabilitySet{enabled: make(map[string]bool, len(names))}
	var incompatible []string

	for _, name := range names {
		clientHas := clientSet[name]
		serverHas := serverSet[name]
		rule, hasRule := ruleByName[name]

		var ok bool
		switch {
		case hasRule && rule.Custom != nil:
			ok = rule.Custom(clientHas, serverHas)
		case hasRule:
			ok = evaluateRule(rule.Rule, clientHas, serverHas)
		default:
			// Features no rule covers are enabled if declared by
			// either side.
			ok = clientHas || serverHas
		}

		if ok {
			cs.enabled[name] = true
		} else {
			cs.disabled = append(cs.disabled, name)
			incompatible = append(incompatible, name)
		}
	}

	if n.strictMode && len(incompatible) > 0 {
		sort.Strings(incompatible)
		return CapabilitySet{}, &IncompatibleFeaturesError{Features: incompatible}
	}

	return cs, nil
}

func evaluateRule(r Rule, clientHas, serverHas bool) bool {
	switch r {
	case RequireBoth:
		return clientHas && serverHas
	case RequireClient:
		return clientHas
	case RequireServer:
		return serverHas
	case Optional:
		return true
	default:
		return false
	}
}

func collectFeatureNames(rules []FeatureRule, sets ...Set) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range rules {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	for _, s := range sets {
		for k := range s {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names
}
