package recon

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"gigchain/chain"
	"gigchain/settlement"
)

// Effect is one unit of input to the reconciliation engine: either a
// confirmed on-chain fact or a purely off-chain user intent.
type Effect interface {
	Kind() string
}

// ChainEffect is an effect backed by an on-chain transaction. The engine
// confirms and decodes the transaction before touching the settlement store.
type ChainEffect interface {
	Effect
	Tx() common.Hash
}

// ProjectFunded reports a confirmed project-funding transaction. ProjectID
// is the off-chain project to attach the on-chain identifier to; the poller
// leaves it empty and relies on a previously attached identifier.
type ProjectFunded struct {
	ProjectID uuid.UUID
	TxHash    common.Hash
}

func (ProjectFunded) Kind() string      { return "ProjectFunded" }
func (e ProjectFunded) Tx() common.Hash { return e.TxHash }

// MilestoneFunded reports confirmed milestone escrow funding.
type MilestoneFunded struct {
	ProjectID   uuid.UUID
	MilestoneID uuid.UUID
	TxHash      common.Hash
}

func (MilestoneFunded) Kind() string      { return "MilestoneFunded" }
func (e MilestoneFunded) Tx() common.Hash { return e.TxHash }

// MilestoneStarted reports a confirmed start-of-work transaction.
type MilestoneStarted struct {
	MilestoneID uuid.UUID
	TxHash      common.Hash
}

func (MilestoneStarted) Kind() string      { return "MilestoneStarted" }
func (e MilestoneStarted) Tx() common.Hash { return e.TxHash }

// SubmittedForReview reports a confirmed submit-for-review transaction.
type SubmittedForReview struct {
	MilestoneID uuid.UUID
	TxHash      common.Hash
}

func (SubmittedForReview) Kind() string      { return "SubmittedForReview" }
func (e SubmittedForReview) Tx() common.Hash { return e.TxHash }

// MilestoneApproved reports a confirmed approval; the matching on-chain
// event is the payment release.
type MilestoneApproved struct {
	MilestoneID uuid.UUID
	TxHash      common.Hash
}

func (MilestoneApproved) Kind() string      { return "MilestoneApproved" }
func (e MilestoneApproved) Tx() common.Hash { return e.TxHash }

// DisputeRaised reports a confirmed on-chain dispute.
type DisputeRaised struct {
	MilestoneID uuid.UUID
	RaiserID    uuid.UUID
	Reason      string
	Description string
	TxHash      common.Hash
}

func (DisputeRaised) Kind() string      { return "DisputeRaised" }
func (e DisputeRaised) Tx() common.Hash { return e.TxHash }

// DisputeResolved reports a confirmed on-chain dispute resolution.
type DisputeResolved struct {
	MilestoneID uuid.UUID
	ResolvedBy  uuid.UUID
	TxHash      common.Hash
}

func (DisputeResolved) Kind() string      { return "DisputeResolved" }
func (e DisputeResolved) Tx() common.Hash { return e.TxHash }

// ChainObserved records an already-decoded event that carries no settlement
// transition of its own (the contract mirrors some transitions with status
// events in the same transaction). The poller feeds these so the ledger
// holds the complete history and never rescans them.
type ChainObserved struct {
	Event chain.Event
}

func (ChainObserved) Kind() string { return "ChainObserved" }

// WorkSubmissionCreated is the off-chain intent of a freelancer delivering
// work for review. The engine creates the submission record.
type WorkSubmissionCreated struct {
	SubmissionID uuid.UUID
	MilestoneID  uuid.UUID
	FreelancerID uuid.UUID
	Description  string
}

func (WorkSubmissionCreated) Kind() string { return "WorkSubmissionCreated" }

// ProjectCancelled is the off-chain intent of calling a project off. Escrowed
// milestone payments are cancelled with it; released payments are untouched
// and a disputed milestone blocks the cancellation entirely.
type ProjectCancelled struct {
	ProjectID   uuid.UUID
	CancelledBy uuid.UUID
	Reason      string
}

func (ProjectCancelled) Kind() string { return "ProjectCancelled" }

// SubmissionReviewed is the off-chain review verdict for a submission, from
// the verification oracle or the employer.
type SubmissionReviewed struct {
	SubmissionID uuid.UUID
	Verdict      settlement.SubmissionStatus
	Confidence   float64
	Feedback     string
	// Uncertain escalates to manual review instead of deciding.
	Uncertain bool
}

func (SubmissionReviewed) Kind() string { return "SubmissionReviewed" }
