package settlement

import (
	"errors"
	"testing"
)

func TestMilestoneTransitionHappyPath(t *testing.T) {
	steps := []struct {
		from, to MilestoneStatus
	}{
		{MilestonePending, MilestoneInProgress},
		{MilestoneInProgress, MilestoneUnderReview},
		{MilestoneUnderReview, MilestoneCompleted},
	}
	for _, step := range steps {
		if err := MilestoneTransition(step.from, step.to); err != nil {
			t.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}
}

func TestMilestoneTransitionRevision(t *testing.T) {
	if err := MilestoneTransition(MilestoneUnderReview, MilestoneInProgress); err != nil {
		t.Fatalf("revision transition: %v", err)
	}
}

func TestMilestoneTransitionPremature(t *testing.T) {
	cases := []struct {
		from, to MilestoneStatus
	}{
		{MilestonePending, MilestoneUnderReview},
		{MilestonePending, MilestoneCompleted},
		{MilestoneInProgress, MilestoneCompleted},
		{MilestonePending, MilestoneDisputed},
	}
	for _, tc := range cases {
		err := MilestoneTransition(tc.from, tc.to)
		if !errors.Is(err, ErrPreconditionNotMet) {
			t.Fatalf("transition %s -> %s: want precondition error, got %v", tc.from, tc.to, err)
		}
	}
}

func TestMilestoneTransitionInvalid(t *testing.T) {
	cases := []struct {
		from, to MilestoneStatus
	}{
		{MilestoneCompleted, MilestoneInProgress},
		{MilestoneCompleted, MilestoneDisputed},
		{MilestoneUnderReview, MilestoneUnderReview},
	}
	for _, tc := range cases {
		err := MilestoneTransition(tc.from, tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("transition %s -> %s: want invalid transition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestMilestoneTransitionDispute(t *testing.T) {
	if err := MilestoneTransition(MilestoneInProgress, MilestoneDisputed); err != nil {
		t.Fatalf("in-progress -> disputed: %v", err)
	}
	if err := MilestoneTransition(MilestoneUnderReview, MilestoneDisputed); err != nil {
		t.Fatalf("under-review -> disputed: %v", err)
	}
	// Resolution paths out of disputed.
	if err := MilestoneTransition(MilestoneDisputed, MilestoneCompleted); err != nil {
		t.Fatalf("disputed -> completed: %v", err)
	}
	if err := MilestoneTransition(MilestoneDisputed, MilestoneInProgress); err != nil {
		t.Fatalf("disputed -> in-progress: %v", err)
	}
	// Everything else is frozen while disputed.
	err := MilestoneTransition(MilestoneDisputed, MilestoneUnderReview)
	if !errors.Is(err, ErrMilestoneLocked) {
		t.Fatalf("disputed -> under-review: want locked, got %v", err)
	}
}

func TestMilestoneTransitionErrorDetails(t *testing.T) {
	err := MilestoneTransition(MilestoneCompleted, MilestoneInProgress)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("want TransitionError, got %T", err)
	}
	if te.Attempted != string(MilestoneInProgress) || te.Actual != string(MilestoneCompleted) {
		t.Fatalf("unexpected detail: attempted=%q actual=%q", te.Attempted, te.Actual)
	}
}

func TestPaymentTransitionReleasedIsTerminal(t *testing.T) {
	for _, target := range []PaymentStatus{PaymentPending, PaymentEscrow, PaymentRefunded, PaymentCancelled, PaymentFailed} {
		err := PaymentTransition(PaymentReleased, target)
		if !errors.Is(err, ErrPaymentTerminal) {
			t.Fatalf("released -> %s: want terminal error, got %v", target, err)
		}
	}
}

func TestPaymentTransitionFromEscrow(t *testing.T) {
	for _, target := range []PaymentStatus{PaymentReleased, PaymentRefunded, PaymentCancelled, PaymentFailed} {
		if err := PaymentTransition(PaymentEscrow, target); err != nil {
			t.Fatalf("escrow -> %s: %v", target, err)
		}
	}
}

func TestPaymentTransitionPrematureRelease(t *testing.T) {
	err := PaymentTransition(PaymentPending, PaymentReleased)
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("pending -> released: want precondition error, got %v", err)
	}
}

func TestProjectTransition(t *testing.T) {
	if err := ProjectTransition(ProjectDraft, ProjectOpen); err != nil {
		t.Fatalf("draft -> open: %v", err)
	}
	if err := ProjectTransition(ProjectOpen, ProjectInProgress); err != nil {
		t.Fatalf("open -> in-progress: %v", err)
	}
	if err := ProjectTransition(ProjectInProgress, ProjectCompleted); err != nil {
		t.Fatalf("in-progress -> completed: %v", err)
	}
	if err := ProjectTransition(ProjectInProgress, ProjectCanceled); err != nil {
		t.Fatalf("in-progress -> canceled: %v", err)
	}
	if err := ProjectTransition(ProjectCompleted, ProjectCanceled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> canceled: want invalid transition, got %v", err)
	}
	if err := ProjectTransition(ProjectDraft, ProjectCompleted); !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("draft -> completed: want precondition error, got %v", err)
	}
}
