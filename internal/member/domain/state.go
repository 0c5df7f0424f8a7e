package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// State is the onboarding state derived from a member snapshot. Values are
// ordered; a member only ever moves forward.
type State int

const (
	StateNotYetEntered State = iota
	StateNeedsOnboarding
	StateInOnboarding
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateNotYetEntered:
		return "not_yet_entered"
	case StateNeedsOnboarding:
		return "needs_onboarding"
	case StateInOnboarding:
		return "in_onboarding"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Policy holds the process-wide inputs of the resolver.
type Policy struct {
	// DefaultRoleID is the implicit role every member holds. On Discord it
	// equals the guild ID.
	DefaultRoleID snowflake.ID
	// BaseRoleID is an additional role granted to everyone on join, e.g. by
	// an autorole. Like DefaultRoleID it never counts as an extra role.
	BaseRoleID       snowflake.ID
	OnboardingRoleID snowflake.ID
	// NotBefore excludes members who joined at or before it from automatic onboarding.
	NotBefore time.Time
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	State State
	// Legacy marks a role-less member who joined before the cutoff. Such a
	// member is reported as Verified and never onboarded automatically.
	Legacy bool
	// Inconsistent marks a member holding the onboarding role next to other
	// roles. It is reported as Verified and left untouched.
	Inconsistent bool
}

// Resolve maps a member snapshot to exactly one State. It is pure.
func Resolve(m Member, p Policy) Resolution {
	if m.PendingEntry {
		return Resolution{State: StateNotYetEntered}
	}

	onboarding := false
	extra := 0
	for id := range m.Roles {
		switch id {
		case p.DefaultRoleID, p.BaseRoleID:
		case p.OnboardingRoleID:
			onboarding = true
		default:
			extra++
		}
	}

	switch {
	case onboarding && extra == 0:
		return Resolution{State: StateInOnboarding}
	case onboarding:
		return Resolution{State: StateVerified, Inconsistent: true}
	case extra > 0:
		return Resolution{State: StateVerified}
	case m.JoinedAt.After(p.NotBefore):
		return Resolution{State: StateNeedsOnboarding}
	default:
		return Resolution{State: StateVerified, Legacy: true}
	}
}
