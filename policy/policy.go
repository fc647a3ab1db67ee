// Package policy implements the tool validator / action policy: allow-
// and deny-lists per action, event-scoped denial, registry validation
// against the tools actually registered with the runtime, and post-allow
// constraint enforcement on step parameters.
package policy

import "fmt"

// Params is the step's parameter bag, both as read by IsAllowed/
// ApplyConstraints and as rewritten by ApplyConstraints.
type Params map[string]any

// Constraints describes the parameter rewrites ApplyConstraints performs
// for one action. All fields are optional; a zero Constraints is a no-op.
type Constraints struct {
	// ForceDraft sets params["draft"] = true unconditionally.
	ForceDraft bool
	// AllowedLabels, if non-nil, filters params["labels"] ([]string) down
	// to only the labels present in this set.
	AllowedLabels map[string]bool
	// MaxBodyLength truncates params["body"] (string) to this length. Zero
	// means no truncation.
	MaxBodyLength int
}

// Rule is one action's allow/deny/event-scoping configuration.
type Rule struct {
	// Allow permits the action generally. Ignored if Deny is true.
	Allow bool
	// Deny denies the action generally, taking precedence over Allow.
	Deny bool
	// DeniedEvents denies the action for specific event values found in
	// params["event"], even when Allow is true and Deny is false.
	DeniedEvents map[string]bool
	// Constraints is applied by ApplyConstraints after IsAllowed returns
	// true.
	Constraints Constraints
}

// Policy is the full set of per-action rules.
type Policy struct {
	Rules map[string]Rule
}

// New builds a Policy from a rule set.
func New(rules map[string]Rule) *Policy {
	if rules == nil {
		rules = make(map[string]Rule)
	}
	return &Policy{Rules: rules}
}

// ValidateRegistry verifies every action this policy references is present
// in toolNames, returning (valid, errors, warnings). Call at boot.
func (p *Policy) ValidateRegistry(toolNames []string) (bool, []string, []string) {
	registered := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		registered[n] = true
	}

	var errs []string
	for action := range p.Rules {
		if !registered[action] {
			errs = append(errs, fmt.Sprintf("policy references unregistered tool %q", action))
		}
	}

	var warnings []string
	for _, name := range toolNames {
		if _, ok := p.Rules[name]; !ok {
			warnings = append(warnings, fmt.Sprintf("tool %q has no policy rule; defaulting to denied", name))
		}
	}

	return len(errs) == 0, errs, warnings
}

// IsAllowed reports whether action is permitted given params, with deny
// taking precedence over allow and event-scoped denial honoured via
// params["event"]. An action with no rule at all is denied by default.
func (p *Policy) IsAllowed(action string, params Params) (bool, string) {
	rule, ok := p.Rules[action]
	if !ok {
		return false, fmt.Sprintf("no policy rule registered for action %q", action)
	}
	if rule.Deny {
		return false, fmt.Sprintf("action %q is denied by policy", action)
	}
	if event, ok := params["event"].(string); ok && rule.DeniedEvents[event] {
		return false, fmt.Sprintf("action %q is denied for event %q", action, event)
	}
	if !rule.Allow {
		return false, fmt.Sprintf("action %q is not in the allow-list", action)
	}
	return true, ""
}

// ApplyConstraints rewrites params per action's Constraints, without
// rejecting the call. Callers must only invoke this after IsAllowed
// returned true.
func (p *Policy) ApplyConstraints(action string, params Params) Params {
	rule, ok := p.Rules[action]
	if !ok {
		return params
	}
	c := rule.Constraints

	out := make(Params, len(params))
	for k, v := range params {
		out[k] = v
	}

	if c.ForceDraft {
		out["draft"] = true
	}

	if c.AllowedLabels != nil {
		if labels, ok := out["labels"].([]string); ok {
			filtered := make([]string, 0, len(labels))
			for _, l := range labels {
				if c.AllowedLabels[l] {
					filtered = append(filtered, l)
				}
			}
			out["labels"] = filtered
		}
	}

	if c.MaxBodyLength > 0 {
		if body, ok := out["body"].(string); ok && len(body) > c.MaxBodyLength {
			out["body"] = body[:c.MaxBodyLength]
		}
	}

	return out
}
