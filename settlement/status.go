package settlement

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition marks a transition whose source state can never reach
// the requested target. It indicates a client bug or a true conflict and is
// not retried.
var ErrInvalidTransition = errors.New("settlement: invalid state transition")

// ErrPreconditionNotMet marks a transition that is merely too early: the
// entity has not yet reached the required source state. Callers retry once
// the missing prior effect has been ingested.
var ErrPreconditionNotMet = errors.New("settlement: precondition not met")

// ErrMilestoneLocked is returned for review effects against a disputed
// milestone. The lock holds until the dispute resolves.
var ErrMilestoneLocked = errors.New("settlement: milestone locked by open dispute")

// ErrPaymentTerminal guards released payments: no write to a released payment
// is ever accepted.
var ErrPaymentTerminal = errors.New("settlement: payment is terminal")

// TransitionError carries the attempted and actual states for diagnostics.
type TransitionError struct {
	Entity    string
	Attempted string
	Actual    string
	err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s cannot move %s -> %s", e.err, e.Entity, e.Actual, e.Attempted)
}

func (e *TransitionError) Unwrap() error { return e.err }

func invalidTransition(entity string, attempted, actual string) error {
	return &TransitionError{Entity: entity, Attempted: attempted, Actual: actual, err: ErrInvalidTransition}
}

func premature(entity string, attempted, actual string) error {
	return &TransitionError{Entity: entity, Attempted: attempted, Actual: actual, err: ErrPreconditionNotMet}
}

// milestoneRank orders milestone states along the happy path so a failed
// check can distinguish "too early" from "impossible".
var milestoneRank = map[MilestoneStatus]int{
	MilestonePending:     0,
	MilestoneInProgress:  1,
	MilestoneUnderReview: 2,
	MilestoneCompleted:   3,
}

// MilestoneTransition validates a milestone status change without applying
// it. Allowed moves:
//
//	pending      -> in-progress   (start confirmed)
//	in-progress  -> under-review  (submission for review confirmed)
//	under-review -> completed     (approve confirmed)
//	under-review -> in-progress   (revision requested / review rejected)
//	in-progress | under-review -> disputed
//	disputed     -> completed | in-progress (dispute resolution)
func MilestoneTransition(current, target MilestoneStatus) error {
	if current == target {
		return invalidTransition("milestone", string(target), string(current))
	}
	switch target {
	case MilestoneInProgress:
		if current == MilestonePending || current == MilestoneUnderReview || current == MilestoneDisputed {
			return nil
		}
	case MilestoneUnderReview:
		if current == MilestoneInProgress {
			return nil
		}
	case MilestoneCompleted:
		if current == MilestoneUnderReview || current == MilestoneDisputed {
			return nil
		}
	case MilestoneDisputed:
		if current == MilestoneInProgress || current == MilestoneUnderReview {
			return nil
		}
		if current == MilestoneCompleted {
			return invalidTransition("milestone", string(target), string(current))
		}
		// A pending milestone has nothing to dispute yet.
		return premature("milestone", string(target), string(current))
	}
	if current == MilestoneDisputed {
		return &TransitionError{Entity: "milestone", Attempted: string(target), Actual: string(current), err: ErrMilestoneLocked}
	}
	cur, curOK := milestoneRank[current]
	tgt, tgtOK := milestoneRank[target]
	if curOK && tgtOK && cur < tgt {
		return premature("milestone", string(target), string(current))
	}
	return invalidTransition("milestone", string(target), string(current))
}

// PaymentTransition validates a payment status change. Released is terminal
// unconditionally; refunded, cancelled, and failed are terminal alternate
// endings reachable only from escrow.
func PaymentTransition(current, target PaymentStatus) error {
	if current == PaymentReleased {
		return ErrPaymentTerminal
	}
	switch target {
	case PaymentEscrow:
		if current == PaymentPending {
			return nil
		}
	case PaymentReleased, PaymentRefunded, PaymentCancelled:
		if current == PaymentEscrow {
			return nil
		}
		if current == PaymentPending {
			return premature("payment", string(target), string(current))
		}
	case PaymentFailed:
		if current == PaymentPending || current == PaymentEscrow {
			return nil
		}
	}
	return invalidTransition("payment", string(target), string(current))
}

// ProjectTransition validates a project status change. Completion is derived,
// not commanded: callers must have verified the milestone counters first.
func ProjectTransition(current, target ProjectStatus) error {
	if current == target {
		return invalidTransition("project", string(target), string(current))
	}
	switch target {
	case ProjectOpen:
		if current == ProjectDraft {
			return nil
		}
	case ProjectInProgress:
		if current == ProjectOpen {
			return nil
		}
	case ProjectCompleted:
		if current == ProjectInProgress || current == ProjectOpen {
			return nil
		}
	case ProjectCanceled:
		if current != ProjectCompleted {
			return nil
		}
	}
	if current == ProjectDraft && (target == ProjectInProgress || target == ProjectCompleted) {
		return premature("project", string(target), string(current))
	}
	return invalidTransition("project", string(target), string(current))
}
