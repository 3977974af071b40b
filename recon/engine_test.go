package recon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gigchain/chain"
	"gigchain/settlement"
)

func TestTwoMilestoneLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fundProject(t, 7)
	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.ProjectOpen, project.Status)
	require.NotNil(t, project.ChainProjectID)
	require.EqualValues(t, 7, *project.ChainProjectID)

	f.fundMilestone(t, f.m1, 7, 0)
	f.fundMilestone(t, f.m2, 7, 1)
	project, err = f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.ProjectInProgress, project.Status)

	payment, err := f.store.ActivePayment(ctx, f.m1.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.PaymentEscrow, payment.Status)
	require.Equal(t, "0.5", payment.Amount)

	f.advanceToReview(t, f.m1, 7, 0)
	approve1 := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	result, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve1})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneCompleted, result.MilestoneStatus)
	require.Equal(t, settlement.PaymentReleased, result.PaymentStatus)
	require.Equal(t, "0.5", result.Amount)

	project, err = f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, 1, project.CompletedMilestones)
	require.Equal(t, settlement.ProjectInProgress, project.Status)

	f.advanceToReview(t, f.m2, 7, 1)
	approve2 := f.stageTx(31, paymentReleasedLog(t, 7, 1, halfEther))
	_, err = f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m2.ID, TxHash: approve2})
	require.NoError(t, err)

	project, err = f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, 2, project.CompletedMilestones)
	require.Equal(t, settlement.ProjectCompleted, project.Status)

	payments, err := f.store.PaymentsByProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	for _, p := range payments {
		require.Equal(t, settlement.PaymentReleased, p.Status)
	}
}

func TestDuplicateReplayReturnsStoredResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)

	approve := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	first, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.PaymentID, second.PaymentID)
	require.Equal(t, first.MilestoneStatus, second.MilestoneStatus)
	require.Equal(t, first.Amount, second.Amount)

	// The replay must not have re-applied the counter bump.
	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, 1, project.CompletedMilestones)
}

func TestFailedTransactionRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.stageFailedTx()
	_, err := f.engine.Apply(ctx, ProjectFunded{ProjectID: f.project.ID, TxHash: tx})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeTransactionFailed, rejection.Code)
	require.False(t, rejection.Code.Retryable())

	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.ProjectDraft, project.Status)
	require.Nil(t, project.ChainProjectID)
}

func TestUnconfirmedTransactionRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Apply(context.Background(), ProjectFunded{ProjectID: f.project.ID, TxHash: uintTopic(0x404)})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeTransactionNotConfirmed, rejection.Code)
	require.True(t, rejection.Code.Retryable())
}

func TestEventNotFoundOnWrongTransaction(t *testing.T) {
	f := newFixture(t)
	// Confirmed transaction, but no escrow event in the receipt.
	tx := f.stageTx(10)
	_, err := f.engine.Apply(context.Background(), ProjectFunded{ProjectID: f.project.ID, TxHash: tx})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeEventNotFound, rejection.Code)
}

func TestOutOfOrderApprovalIsPrecondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)

	// Approval before start/submit: too early, not impossible.
	approve := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	_, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodePreconditionNotMet, rejection.Code)
	require.True(t, rejection.Code.Retryable())

	// Once the missing effects land, the same approval succeeds.
	f.advanceToReview(t, f.m1, 7, 0)
	result, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneCompleted, result.MilestoneStatus)
}

func TestDisputeFreezesReviewAndApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)

	raise := f.stageTx(25, disputeRaisedLog(t, 7, 0))
	raiseResult, err := f.engine.Apply(ctx, DisputeRaised{
		MilestoneID: f.m1.ID,
		RaiserID:    f.project.EmployerID,
		Reason:      "scope mismatch",
		TxHash:      raise,
	})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneDisputed, raiseResult.MilestoneStatus)
	require.NotNil(t, raiseResult.DisputeID)

	// Approval is frozen while the dispute is open.
	approve := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	_, err = f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeMilestoneLocked, rejection.Code)

	// So is the off-chain review path.
	sub := &settlement.WorkSubmission{MilestoneID: f.m1.ID, FreelancerID: *f.project.FreelancerID, Description: "work"}
	require.NoError(t, f.store.CreateSubmission(ctx, sub))
	_, err = f.engine.Apply(ctx, SubmissionReviewed{SubmissionID: sub.ID, Verdict: settlement.SubmissionApproved})
	rejection, ok = AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeMilestoneLocked, rejection.Code)

	// Payment stays in escrow.
	payment, err := f.store.ActivePayment(ctx, f.m1.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.PaymentEscrow, payment.Status)
}

func TestDisputeResolvedFavorFreelancer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)

	raise := f.stageTx(25, disputeRaisedLog(t, 7, 0))
	_, err := f.engine.Apply(ctx, DisputeRaised{MilestoneID: f.m1.ID, RaiserID: f.project.EmployerID, Reason: "quality", TxHash: raise})
	require.NoError(t, err)

	resolve := f.stageTx(40, disputeResolvedLog(t, 7, 0, halfEther, true))
	result, err := f.engine.Apply(ctx, DisputeResolved{MilestoneID: f.m1.ID, TxHash: resolve})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneCompleted, result.MilestoneStatus)
	require.Equal(t, settlement.PaymentReleased, result.PaymentStatus)

	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, 1, project.CompletedMilestones)

	dispute, err := f.store.DisputeByID(ctx, *result.DisputeID)
	require.NoError(t, err)
	require.Equal(t, settlement.DisputeResolved, dispute.Status)
	require.Equal(t, settlement.OutcomeFavorFreelancer, dispute.Outcome)
}

func TestDisputeResolvedFavorEmployer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)

	raise := f.stageTx(25, disputeRaisedLog(t, 7, 0))
	_, err := f.engine.Apply(ctx, DisputeRaised{MilestoneID: f.m1.ID, RaiserID: f.project.EmployerID, Reason: "quality", TxHash: raise})
	require.NoError(t, err)

	resolve := f.stageTx(40, disputeResolvedLog(t, 7, 0, halfEther, false))
	result, err := f.engine.Apply(ctx, DisputeResolved{MilestoneID: f.m1.ID, TxHash: resolve})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneInProgress, result.MilestoneStatus)
	require.Equal(t, settlement.PaymentRefunded, result.PaymentStatus)

	// The milestone can be worked and funded again.
	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, 0, project.CompletedMilestones)
	_, err = f.store.ActivePayment(ctx, f.m1.ID)
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestResolveWithoutDisputeIsPrecondition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)

	resolve := f.stageTx(40, disputeResolvedLog(t, 7, 0, halfEther, true))
	_, err := f.engine.Apply(ctx, DisputeResolved{MilestoneID: f.m1.ID, TxHash: resolve})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodePreconditionNotMet, rejection.Code)
}

func TestWorkSubmissionReviewCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)

	// Submitting against a pending milestone is too early.
	early := WorkSubmissionCreated{MilestoneID: f.m1.ID, FreelancerID: *f.project.FreelancerID, Description: "draft"}
	_, err := f.engine.Apply(ctx, early)
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodePreconditionNotMet, rejection.Code)

	start := f.stageTx(20, statusChangedLog(t, 7, 0, chain.ChainMilestoneInProgress))
	_, err = f.engine.Apply(ctx, MilestoneStarted{MilestoneID: f.m1.ID, TxHash: start})
	require.NoError(t, err)

	created, err := f.engine.Apply(ctx, WorkSubmissionCreated{
		MilestoneID:  f.m1.ID,
		FreelancerID: *f.project.FreelancerID,
		Description:  "final deliverable",
	})
	require.NoError(t, err)
	require.NotNil(t, created.SubmissionID)

	submit := f.stageTx(21, statusChangedLog(t, 7, 0, chain.ChainMilestoneUnderReview))
	_, err = f.engine.Apply(ctx, SubmittedForReview{MilestoneID: f.m1.ID, TxHash: submit})
	require.NoError(t, err)

	// A revision request sends the milestone back to work.
	reviewed, err := f.engine.Apply(ctx, SubmissionReviewed{
		SubmissionID: *created.SubmissionID,
		Verdict:      settlement.SubmissionRevisionRequested,
		Feedback:     "missing tests",
	})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneInProgress, reviewed.MilestoneStatus)
	require.Equal(t, settlement.SubmissionRevisionRequested, reviewed.SubmissionStatus)

	sub, err := f.store.SubmissionByID(ctx, *created.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, "missing tests", sub.Feedback)
	require.NotNil(t, sub.ReviewedAt)
}

func TestUncertainVerdictEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	start := f.stageTx(20, statusChangedLog(t, 7, 0, chain.ChainMilestoneInProgress))
	_, err := f.engine.Apply(ctx, MilestoneStarted{MilestoneID: f.m1.ID, TxHash: start})
	require.NoError(t, err)

	created, err := f.engine.Apply(ctx, WorkSubmissionCreated{
		MilestoneID:  f.m1.ID,
		FreelancerID: *f.project.FreelancerID,
		Description:  "deliverable",
	})
	require.NoError(t, err)

	result, err := f.engine.Apply(ctx, SubmissionReviewed{
		SubmissionID: *created.SubmissionID,
		Confidence:   0.4,
		Uncertain:    true,
	})
	require.NoError(t, err)
	require.Equal(t, settlement.SubmissionPending, result.SubmissionStatus)

	sub, err := f.store.SubmissionByID(ctx, *created.SubmissionID)
	require.NoError(t, err)
	require.True(t, sub.EscalatedToManual)
	require.Equal(t, settlement.SubmissionPending, sub.Status)
	require.Equal(t, 0.4, sub.VerificationConfidence)
}

func TestLedgerRecordsFullHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)
	approve := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	_, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	require.NoError(t, err)

	history, err := f.events.ProjectHistory(ctx, 7)
	require.NoError(t, err)
	names := make([]string, 0, len(history))
	for _, rec := range history {
		names = append(names, rec.EventName)
	}
	require.Equal(t, []string{
		"ProjectCreated", "MilestoneAdded", "MilestoneStatusChanged",
		"MilestoneStatusChanged", "PaymentReleased",
	}, names)

	// Records carry the human-readable annotation and the ether amount.
	require.Equal(t, "Project created and funded", history[0].Description)
	require.Equal(t, "1", history[0].Amount)
	require.Equal(t, `Milestone "Design" added`, history[1].Description)
	require.Equal(t, "0.5", history[1].Amount)
	require.Equal(t, "Payment released for milestone", history[4].Description)
	require.Equal(t, "0.5", history[4].Amount)
	require.Empty(t, history[2].Amount)
}

func TestSubmitForReviewRequiresSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)

	start := f.stageTx(20, statusChangedLog(t, 7, 0, chain.ChainMilestoneInProgress))
	_, err := f.engine.Apply(ctx, MilestoneStarted{MilestoneID: f.m1.ID, TxHash: start})
	require.NoError(t, err)

	// The on-chain review submission confirmed, but no work was ever
	// delivered off-chain: too early, retried once the delivery lands.
	submit := f.stageTx(21, statusChangedLog(t, 7, 0, chain.ChainMilestoneUnderReview))
	_, err = f.engine.Apply(ctx, SubmittedForReview{MilestoneID: f.m1.ID, TxHash: submit})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodePreconditionNotMet, rejection.Code)
	require.True(t, rejection.Code.Retryable())

	milestone, err := f.store.MilestoneByID(ctx, f.m1.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneInProgress, milestone.Status)

	f.submitWork(t, f.m1)
	result, err := f.engine.Apply(ctx, SubmittedForReview{MilestoneID: f.m1.ID, TxHash: submit})
	require.NoError(t, err)
	require.Equal(t, settlement.MilestoneUnderReview, result.MilestoneStatus)
}

func TestChainAndOffChainPathsShareMilestoneLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)

	// Before funding binds the chain ids, the creation-order join resolves
	// the same milestone the funding will bind.
	ev := &chain.DisputeRaised{ProjectID: 7, MilestoneID: 0}
	require.Equal(t, milestoneLockKey(f.m1.ID), f.engine.lockKey(ctx, ev))

	f.fundMilestone(t, f.m1, 7, 0)
	require.Equal(t, milestoneLockKey(f.m1.ID), f.engine.lockKey(ctx, ev))

	// Project-scoped events lock the project aggregate.
	created := &chain.ProjectCreated{ProjectID: 7}
	require.Equal(t, projectLockKey(f.project.ID), f.engine.lockKey(ctx, created))
}

func TestCancelProjectCancelsEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)
	approve := f.stageTx(30, paymentReleasedLog(t, 7, 0, halfEther))
	_, err := f.engine.Apply(ctx, MilestoneApproved{MilestoneID: f.m1.ID, TxHash: approve})
	require.NoError(t, err)
	f.fundMilestone(t, f.m2, 7, 1)

	result, err := f.engine.Apply(ctx, ProjectCancelled{
		ProjectID:   f.project.ID,
		CancelledBy: f.project.EmployerID,
		Reason:      "remaining scope dropped",
	})
	require.NoError(t, err)
	require.Equal(t, settlement.ProjectCanceled, result.ProjectStatus)

	// The unfinished milestone's escrow is returned, the released payment
	// stays released.
	_, err = f.store.ActivePayment(ctx, f.m2.ID)
	require.ErrorIs(t, err, settlement.ErrNotFound)
	payments, err := f.store.PaymentsByProject(ctx, f.project.ID)
	require.NoError(t, err)
	statuses := map[settlement.PaymentStatus]int{}
	for _, p := range payments {
		statuses[p.Status]++
	}
	require.Equal(t, 1, statuses[settlement.PaymentReleased])
	require.Equal(t, 1, statuses[settlement.PaymentCancelled])
}

func TestCancelProjectBlockedByOpenDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fundProject(t, 7)
	f.fundMilestone(t, f.m1, 7, 0)
	f.advanceToReview(t, f.m1, 7, 0)
	raise := f.stageTx(25, disputeRaisedLog(t, 7, 0))
	_, err := f.engine.Apply(ctx, DisputeRaised{MilestoneID: f.m1.ID, RaiserID: f.project.EmployerID, Reason: "quality", TxHash: raise})
	require.NoError(t, err)

	_, err = f.engine.Apply(ctx, ProjectCancelled{ProjectID: f.project.ID, CancelledBy: f.project.EmployerID})
	rejection, ok := AsRejection(err)
	require.True(t, ok, "want rejection, got %v", err)
	require.Equal(t, CodeMilestoneLocked, rejection.Code)

	project, err := f.store.ProjectByID(ctx, f.project.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.ProjectInProgress, project.Status)
	payment, err := f.store.ActivePayment(ctx, f.m1.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.PaymentEscrow, payment.Status)
}
