package settlement

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectStatus represents the lifecycle of an engagement.
type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in-progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCanceled   ProjectStatus = "canceled"
)

// MilestoneStatus represents the lifecycle of a payable unit of work.
type MilestoneStatus string

const (
	MilestonePending     MilestoneStatus = "pending"
	MilestoneInProgress  MilestoneStatus = "in-progress"
	MilestoneUnderReview MilestoneStatus = "under-review"
	MilestoneCompleted   MilestoneStatus = "completed"
	MilestoneDisputed    MilestoneStatus = "disputed"
)

// PaymentStatus represents the settlement record lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentEscrow    PaymentStatus = "escrow"
	PaymentReleased  PaymentStatus = "released"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentFailed    PaymentStatus = "failed"
)

// DisputeStatus is open until an administrator records a resolution.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// DisputeOutcome records which party a resolution favoured.
type DisputeOutcome string

const (
	OutcomeFavorFreelancer DisputeOutcome = "favor-freelancer"
	OutcomeFavorEmployer   DisputeOutcome = "favor-employer"
)

// SubmissionStatus tracks the off-chain review workflow for delivered work.
type SubmissionStatus string

const (
	SubmissionPending           SubmissionStatus = "pending"
	SubmissionApproved          SubmissionStatus = "approved"
	SubmissionRejected          SubmissionStatus = "rejected"
	SubmissionRevisionRequested SubmissionStatus = "revision-requested"
)

// Project is one employer-funded engagement with a freelancer.
type Project struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title               string    `gorm:"size:255"`
	Description         string    `gorm:"type:text"`
	EmployerID          uuid.UUID `gorm:"type:uuid;index"`
	FreelancerID        *uuid.UUID `gorm:"type:uuid;index"`
	Budget              string    `gorm:"size:64"`
	Currency            string    `gorm:"size:16;default:ETH"`
	Deadline            *time.Time
	Status              ProjectStatus `gorm:"size:32;index"`
	Category            string        `gorm:"size:64"`
	Tags                string        `gorm:"type:text"`
	TotalMilestones     int           `gorm:"not null;default:0"`
	CompletedMilestones int           `gorm:"not null;default:0"`
	// ChainProjectID is immutable once the funding transaction confirms.
	ChainProjectID *uint64 `gorm:"uniqueIndex"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Milestones     []Milestone
}

// Milestone is one payable unit of work within a Project.
type Milestone struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID   uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_milestone_order,priority:1"`
	Title       string    `gorm:"size:255"`
	Description string    `gorm:"type:text"`
	Amount      string    `gorm:"size:64"`
	DueDate     *time.Time
	// OrderIndex is assigned monotonically per project and never reassigned.
	OrderIndex           int             `gorm:"not null;uniqueIndex:idx_milestone_order,priority:2"`
	Status               MilestoneStatus `gorm:"size:32;index"`
	ChainMilestoneID     *uint64         `gorm:"index"`
	PaymentID            *uuid.UUID      `gorm:"type:uuid"`
	RequiredDeliverables string          `gorm:"type:text"`
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Payment is the settlement record for one milestone's funds. Historical
// payments (refunded/cancelled/failed) are retained for audit, so a milestone
// can reference several payment rows but at most one in escrow or released.
type Payment struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ProjectID        uuid.UUID     `gorm:"type:uuid;index"`
	MilestoneID      uuid.UUID     `gorm:"type:uuid;index"`
	Amount           string        `gorm:"size:64"`
	Currency         string        `gorm:"size:16;default:ETH"`
	Status           PaymentStatus `gorm:"size:32;index"`
	EmployerID       uuid.UUID     `gorm:"type:uuid"`
	FreelancerID     *uuid.UUID    `gorm:"type:uuid"`
	TxHash           string        `gorm:"size:66;index"`
	ContractAddress  string        `gorm:"size:42"`
	ChainProjectID   *uint64
	ChainMilestoneID *uint64
	ReleasedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Dispute is a contested milestone outcome.
type Dispute struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ProjectID   uuid.UUID     `gorm:"type:uuid;index"`
	MilestoneID uuid.UUID     `gorm:"type:uuid;index"`
	RaiserID    uuid.UUID     `gorm:"type:uuid"`
	Reason      string        `gorm:"size:255"`
	Description string        `gorm:"type:text"`
	Status      DisputeStatus `gorm:"size:16;index"`
	TxHash      string        `gorm:"size:66"`
	Outcome     DisputeOutcome `gorm:"size:32"`
	ResolvedAt  *time.Time
	ResolvedBy  *uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Messages    []DisputeMessage `gorm:"constraint:OnDelete:CASCADE"`
}

// DisputeMessage is one entry in a dispute's ordered thread.
type DisputeMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DisputeID uuid.UUID `gorm:"type:uuid;index"`
	UserID    uuid.UUID `gorm:"type:uuid"`
	Message   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// WorkSubmission is a freelancer's delivery for a milestone, reviewed
// off-chain by the verification oracle and/or the employer.
type WorkSubmission struct {
	ID           uuid.UUID        `gorm:"type:uuid;primaryKey"`
	MilestoneID  uuid.UUID        `gorm:"type:uuid;index"`
	FreelancerID uuid.UUID        `gorm:"type:uuid"`
	Description  string           `gorm:"type:text"`
	Status       SubmissionStatus `gorm:"size:32;index"`
	Feedback     string           `gorm:"type:text"`
	ReviewNotes  string           `gorm:"type:text"`
	SubmittedAt  time.Time
	ReviewedAt   *time.Time

	VerificationResult     string `gorm:"size:16"`
	VerificationConfidence float64
	EscalatedToManual      bool
	VerifiedAt             *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OperatorAlert surfaces effects the poller gave up retrying on.
type OperatorAlert struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash      string `gorm:"size:66;index"`
	LogIndex    uint
	Effect      string `gorm:"size:64"`
	Code        string `gorm:"size:64"`
	Detail      string `gorm:"type:text"`
	Attempts    int
	Acknowledged bool `gorm:"index"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the settlement store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&Milestone{},
		&Payment{},
		&Dispute{},
		&DisputeMessage{},
		&WorkSubmission{},
		&OperatorAlert{},
	)
}
