package guard

import (
	"errors"
	"iter"
	"time"

	memberdomain "github.com/smallbiznis/gatekeeper/internal/member/domain"
)

var (
	ErrPromptMissing = errors.New("prompt_not_in_window")
	ErrPromptFresh   = errors.New("prompt_still_fresh")
)

// LatestInteraction walks history newest-first and returns the first
// interaction it finds.
func LatestInteraction(history iter.Seq2[memberdomain.Message, error]) (*memberdomain.Interaction, error) {
	for msg, err := range history {
		if err != nil {
			return nil, err
		}
		if msg.Interaction != nil {
			return msg.Interaction, nil
		}
	}
	return nil, nil
}

// EnsurePromptExpired allows a resend only when the latest prompt can no
// longer be answered. A missing prompt is not resent.
func EnsurePromptExpired(latest *memberdomain.Interaction, now time.Time) error {
	if latest == nil {
		return ErrPromptMissing
	}
	if !latest.Expired(now) {
		return ErrPromptFresh
	}
	return nil
}
