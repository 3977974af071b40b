package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested aggregate does not exist.
var ErrNotFound = errors.New("settlement: not found")

// ErrProtectedHistory rejects deletions that would destroy settlement history.
var ErrProtectedHistory = errors.New("settlement: payments exist, deletion rejected")

// Store persists the settlement aggregates. All multi-entity mutations run
// through WithinTx so a crash mid-way leaves no partial update visible.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an opened gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the store clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = now
	return &clone
}

// DB exposes the underlying handle for callers that compose queries.
func (s *Store) DB() *gorm.DB { return s.db }

// WithinTx runs fn inside one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := &Store{db: tx, now: s.now}
		return fn(scoped)
	})
}

// CreateProject inserts a new draft project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProjectDraft
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// ProjectByID fetches a project.
func (s *Store) ProjectByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

// ProjectByChainID resolves a project from its on-chain identifier.
func (s *Store) ProjectByChainID(ctx context.Context, chainID uint64) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "chain_project_id = ?", chainID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: chain project %d", ErrNotFound, chainID)
		}
		return nil, err
	}
	return &p, nil
}

// FundedProjects lists projects with a confirmed on-chain identifier; the
// poller scans these.
func (s *Store) FundedProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	err := s.db.WithContext(ctx).
		Where("chain_project_id IS NOT NULL").
		Where("status NOT IN ?", []ProjectStatus{ProjectCompleted, ProjectCanceled}).
		Find(&projects).Error
	return projects, err
}

// SaveProject persists project mutations.
func (s *Store) SaveProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(p).Error
}

// DeleteProject removes a project and its milestones. Deletion is rejected,
// not cascaded, once any payment exists for the project.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	return s.WithinTx(ctx, func(tx *Store) error {
		var count int64
		if err := tx.db.Model(&Payment{}).Where("project_id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrProtectedHistory
		}
		if err := tx.db.Where("project_id = ?", id).Delete(&Milestone{}).Error; err != nil {
			return err
		}
		res := tx.db.Delete(&Project{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: project %s", ErrNotFound, id)
		}
		return nil
	})
}

// AddMilestone appends a milestone to a project, assigning the next ordering
// index and bumping the project's milestone counter in the same transaction.
func (s *Store) AddMilestone(ctx context.Context, m *Milestone) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MilestonePending
	}
	return s.WithinTx(ctx, func(tx *Store) error {
		project, err := tx.ProjectByID(ctx, m.ProjectID)
		if err != nil {
			return err
		}
		var maxOrder int
		row := tx.db.Model(&Milestone{}).Where("project_id = ?", m.ProjectID).Select("COALESCE(MAX(order_index), -1)")
		if err := row.Scan(&maxOrder).Error; err != nil {
			return err
		}
		m.OrderIndex = maxOrder + 1
		if err := tx.db.Create(m).Error; err != nil {
			return err
		}
		project.TotalMilestones++
		return tx.SaveProject(ctx, project)
	})
}

// MilestoneByID fetches a milestone.
func (s *Store) MilestoneByID(ctx context.Context, id uuid.UUID) (*Milestone, error) {
	var m Milestone
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &m, nil
}

// MilestoneByChainID resolves a milestone from its on-chain identifiers.
func (s *Store) MilestoneByChainID(ctx context.Context, chainProjectID, chainMilestoneID uint64) (*Milestone, error) {
	var m Milestone
	err := s.db.WithContext(ctx).
		Joins("JOIN projects ON projects.id = milestones.project_id").
		Where("projects.chain_project_id = ? AND milestones.chain_milestone_id = ?", chainProjectID, chainMilestoneID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: chain milestone %d/%d", ErrNotFound, chainProjectID, chainMilestoneID)
		}
		return nil, err
	}
	return &m, nil
}

// MilestoneByOrder resolves a milestone by its ordering index within a
// project. The escrow contract assigns milestone identifiers in creation
// order, so this is the fallback mapping when no chain id is attached yet.
func (s *Store) MilestoneByOrder(ctx context.Context, projectID uuid.UUID, orderIndex int) (*Milestone, error) {
	var m Milestone
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND order_index = ?", projectID, orderIndex).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: milestone #%d of project %s", ErrNotFound, orderIndex, projectID)
		}
		return nil, err
	}
	return &m, nil
}

// MilestonesByProject lists a project's milestones in order.
func (s *Store) MilestonesByProject(ctx context.Context, projectID uuid.UUID) ([]Milestone, error) {
	var milestones []Milestone
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("order_index ASC").
		Find(&milestones).Error
	return milestones, err
}

// SaveMilestone persists milestone mutations.
func (s *Store) SaveMilestone(ctx context.Context, m *Milestone) error {
	m.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(m).Error
}

// ActivePayment returns the milestone's payment in escrow or released, if
// any. At most one such payment may exist at any time.
func (s *Store) ActivePayment(ctx context.Context, milestoneID uuid.UUID) (*Payment, error) {
	var p Payment
	err := s.db.WithContext(ctx).
		Where("milestone_id = ? AND status IN ?", milestoneID, []PaymentStatus{PaymentEscrow, PaymentReleased}).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: active payment for milestone %s", ErrNotFound, milestoneID)
		}
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a payment after re-checking the single-active-payment
// invariant under the caller's transaction.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == PaymentEscrow || p.Status == PaymentReleased {
		if existing, err := s.ActivePayment(ctx, p.MilestoneID); err == nil {
			return invalidTransition("payment", string(p.Status), string(existing.Status))
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// SavePayment persists payment mutations, refusing writes to released rows.
func (s *Store) SavePayment(ctx context.Context, p *Payment) error {
	var current Payment
	if err := s.db.WithContext(ctx).First(&current, "id = ?", p.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: payment %s", ErrNotFound, p.ID)
		}
		return err
	}
	if current.Status == PaymentReleased && p.Status != PaymentReleased {
		return ErrPaymentTerminal
	}
	p.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(p).Error
}

// PaymentsByProject lists all payments for a project, newest first.
func (s *Store) PaymentsByProject(ctx context.Context, projectID uuid.UUID) ([]Payment, error) {
	var payments []Payment
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&payments).Error
	return payments, err
}

// CreateDispute records a new dispute.
func (s *Store) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DisputeOpen
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// DisputeByID fetches a dispute with its message thread.
func (s *Store) DisputeByID(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	var d Dispute
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// OpenDispute returns the milestone's open dispute, if any.
func (s *Store) OpenDispute(ctx context.Context, milestoneID uuid.UUID) (*Dispute, error) {
	var d Dispute
	err := s.db.WithContext(ctx).
		Where("milestone_id = ? AND status = ?", milestoneID, DisputeOpen).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: open dispute for milestone %s", ErrNotFound, milestoneID)
		}
		return nil, err
	}
	return &d, nil
}

// SaveDispute persists dispute mutations.
func (s *Store) SaveDispute(ctx context.Context, d *Dispute) error {
	d.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(d).Error
}

// AppendDisputeMessage adds one entry to a dispute's thread.
func (s *Store) AppendDisputeMessage(ctx context.Context, msg *DisputeMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = s.now()
	return s.db.WithContext(ctx).Create(msg).Error
}

// CreateSubmission records a work submission.
func (s *Store) CreateSubmission(ctx context.Context, sub *WorkSubmission) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = SubmissionPending
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.now()
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

// SubmissionByID fetches a work submission.
func (s *Store) SubmissionByID(ctx context.Context, id uuid.UUID) (*WorkSubmission, error) {
	var sub WorkSubmission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: submission %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &sub, nil
}

// LatestSubmission returns the most recent submission for a milestone.
func (s *Store) LatestSubmission(ctx context.Context, milestoneID uuid.UUID) (*WorkSubmission, error) {
	var sub WorkSubmission
	err := s.db.WithContext(ctx).
		Where("milestone_id = ?", milestoneID).
		Order("submitted_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: submission for milestone %s", ErrNotFound, milestoneID)
		}
		return nil, err
	}
	return &sub, nil
}

// UnverifiedSubmissions lists pending submissions the verification oracle has
// not yet scored, oldest first.
func (s *Store) UnverifiedSubmissions(ctx context.Context, limit int) ([]WorkSubmission, error) {
	if limit <= 0 {
		limit = 50
	}
	var subs []WorkSubmission
	err := s.db.WithContext(ctx).
		Where("status = ? AND verified_at IS NULL AND escalated_to_manual = ?", SubmissionPending, false).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// SaveSubmission persists submission mutations.
func (s *Store) SaveSubmission(ctx context.Context, sub *WorkSubmission) error {
	sub.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(sub).Error
}

// RecordAlert appends an operator alert.
func (s *Store) RecordAlert(ctx context.Context, alert *OperatorAlert) error {
	alert.CreatedAt = s.now()
	return s.db.WithContext(ctx).Create(alert).Error
}

// OpenAlerts lists unacknowledged operator alerts, oldest first.
func (s *Store) OpenAlerts(ctx context.Context) ([]OperatorAlert, error) {
	var alerts []OperatorAlert
	err := s.db.WithContext(ctx).
		Where("acknowledged = ?", false).
		Order("created_at ASC").
		Find(&alerts).Error
	return alerts, err
}

// AcknowledgeAlert marks one alert handled.
func (s *Store) AcknowledgeAlert(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).
		Model(&OperatorAlert{}).
		Where("id = ?", id).
		Update("acknowledged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: alert %d", ErrNotFound, id)
	}
	return nil
}
