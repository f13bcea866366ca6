package services

import (
	"fmt"

	"tercuman.link/configs/configsengine"
)

// SameInterpreterConflictPolicy decides what happens when the interpreter matched
// to a same-interpreter group cannot take one of its slots.
type SameInterpreterConflictPolicy string

const (
	// ReopenSlot detaches only the conflicting slot and searches it on its own.
	ReopenSlot SameInterpreterConflictPolicy = "reopen_slot"
	// ReopenGroup rolls every resolved slot of the cycle back into search.
	ReopenGroup SameInterpreterConflictPolicy = "reopen_group"
)

// ExpiryCascadePolicy decides what an expired slot of a same-interpreter group
// does to its siblings.
type ExpiryCascadePolicy string

const (
	ExpiryIsolate ExpiryCascadePolicy = "isolate"
	ExpiryCascade ExpiryCascadePolicy = "cascade"
)

// Policies bundles the named business policies of the engine.
type Policies struct {
	SameInterpreterConflict SameInterpreterConflictPolicy
	ExpiryCascade           ExpiryCascadePolicy
	RepeatHistory           RepeatHistoryPolicy
	RepeatOnExpiry          bool
}

// DefaultPolicies are used when nothing is configured.
func DefaultPolicies() Policies {
	return Policies{
		SameInterpreterConflict: ReopenSlot,
		ExpiryCascade:           ExpiryIsolate,
		RepeatHistory:           RepeatHistoryInherit,
	}
}

// PoliciesFromConfig validates the policy names of cfg. Empty names keep defaults.
func PoliciesFromConfig(cfg configsengine.EngineConfig) (Policies, error) {
	p := DefaultPolicies()
	p.RepeatOnExpiry = cfg.RepeatOnExpiry

	switch v := SameInterpreterConflictPolicy(cfg.SameInterpreterConflictPolicy); v {
	case "":
	case ReopenSlot, ReopenGroup:
		p.SameInterpreterConflict = v
	default:
		return p, fmt.Errorf("%w: same interpreter conflict policy %q", ErrUnknownPolicy, v)
	}
	switch v := ExpiryCascadePolicy(cfg.ExpiryCascadePolicy); v {
	case "":
	case ExpiryIsolate, ExpiryCascade:
		p.ExpiryCascade = v
	default:
		return p, fmt.Errorf("%w: expiry cascade policy %q", ErrUnknownPolicy, v)
	}
	switch v := RepeatHistoryPolicy(cfg.RepeatHistoryPolicy); v {
	case "":
	case RepeatHistoryInherit, RepeatHistoryReset:
		p.RepeatHistory = v
	default:
		return p, fmt.Errorf("%w: repeat history policy %q", ErrUnknownPolicy, v)
	}
	return p, nil
}
