package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

// Executor performs the onboarding side effects for one member. Every call
// re-reads the member from the transport, so concurrent and duplicate calls
// are safe.
type Executor interface {
	// FullOnboard welcomes a NeedsOnboarding member, sends the role prompt
	// and grants the onboarding role. An InOnboarding member only gets a new
	// prompt. Other states are left alone.
	FullOnboard(ctx context.Context, userID snowflake.ID) (Result, error)
	// ResendPrompt sends a fresh role prompt to any member past the entry screen.
	ResendPrompt(ctx context.Context, userID snowflake.ID) (Result, error)
	// Complete applies a role selection made on the prompt and ends onboarding.
	Complete(ctx context.Context, userID snowflake.ID, roleIDs []snowflake.ID) (Result, error)
	// Enter handles the entry-point button.
	Enter(ctx context.Context, userID snowflake.ID) (Result, error)
	// Prompt builds the role prompt message.
	Prompt(ephemeral bool) memberdomain.OutgoingMessage
}

// Result describes what a call observed and did.
type Result struct {
	MemberID   snowflake.ID
	Resolution memberdomain.Resolution

	WelcomeSent           bool
	PromptSent            bool
	OnboardingRoleGranted bool
	OnboardingRoleRemoved bool
	DMChannelID           snowflake.ID

	RolesGranted []snowflake.ID
	RolesRemoved []snowflake.ID
}

// Acted reports whether any side effect happened.
func (r Result) Acted() bool {
	return r.WelcomeSent || r.PromptSent || r.OnboardingRoleGranted || r.OnboardingRoleRemoved ||
		len(r.RolesGranted) > 0 || len(r.RolesRemoved) > 0
}

var (
	ErrNotEntered       = errors.New("member has not passed the entry screen")
	ErrInvalidSelection = errors.New("invalid role selection")
)
