package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// StatusStore is the slice of the proposal store Advance needs.
type StatusStore interface {
	ProposalStatus(ctx context.Context, proposalID string) (string, error)
	CompareAndSwapProposalStatus(ctx context.Context, proposalID, from, to string) (bool, error)
}

var ErrStatusContention = errors.New("proposal status changed concurrently")

const advanceAttempts = 3

// Advance applies event to the stored status of a proposal. The write is a
// compare-and-swap so a concurrent writer forces a re-read instead of being
// overwritten.
func Advance(ctx context.Context, st StatusStore, proposalID string, event Event) (Status, error) {
	for attempt := 0; attempt < advanceAttempts; attempt++ {
		raw, err := st.ProposalStatus(ctx, proposalID)
		if err != nil {
			return "", err
		}
		current := Status(raw)
		next, err := Apply(event, current)
		if err != nil {
			return current, err
		}
		if next == current {
			return current, nil
		}
		swapped, err := st.CompareAndSwapProposalStatus(ctx, proposalID, string(current), string(next))
		if err != nil {
			return current, fmt.Errorf("update proposal status: %w", err)
		}
		if swapped {
			return next, nil
		}
	}
	return "", ErrStatusContention
}
