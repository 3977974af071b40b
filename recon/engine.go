package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"gigchain/chain"
	"gigchain/ledger"
	"gigchain/notify"
	"gigchain/observability"
	"gigchain/settlement"
)

// errReplayStored signals that another writer ingested the same event while
// this Apply was in flight; the caller rolls back and serves the stored result.
var errReplayStored = errors.New("recon: event ingested concurrently")

// AppliedResult is the outcome of applying one effect. It is serialized into
// the event ledger so replays of the same transaction return the identical
// answer without touching the settlement store again.
type AppliedResult struct {
	Effect      string `json:"effect"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	LogIndex    uint   `json:"logIndex,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`

	ProjectID    uuid.UUID  `json:"projectId,omitempty"`
	MilestoneID  *uuid.UUID `json:"milestoneId,omitempty"`
	PaymentID    *uuid.UUID `json:"paymentId,omitempty"`
	DisputeID    *uuid.UUID `json:"disputeId,omitempty"`
	SubmissionID *uuid.UUID `json:"submissionId,omitempty"`

	ProjectStatus    settlement.ProjectStatus    `json:"projectStatus,omitempty"`
	MilestoneStatus  settlement.MilestoneStatus  `json:"milestoneStatus,omitempty"`
	PaymentStatus    settlement.PaymentStatus    `json:"paymentStatus,omitempty"`
	SubmissionStatus settlement.SubmissionStatus `json:"submissionStatus,omitempty"`

	ChainProjectID   *uint64 `json:"chainProjectId,omitempty"`
	ChainMilestoneID *uint64 `json:"chainMilestoneId,omitempty"`
	Amount           string  `json:"amount,omitempty"`
	Description      string  `json:"description,omitempty"`
}

// Engine reconciles confirmed on-chain escrow events and off-chain review
// intents into the settlement store, exactly once per (txHash, logIndex).
type Engine struct {
	store         *settlement.Store
	events        *ledger.Ledger
	oracle        chain.Oracle
	contract      common.Address
	sink          notify.Sink
	logger        *slog.Logger
	metrics       *observability.SettlementMetrics
	locks         *keyedLocks
	confirmations uint64
	confirmWait   time.Duration
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store         *settlement.Store
	Ledger        *ledger.Ledger
	Oracle        chain.Oracle
	Contract      common.Address
	Sink          notify.Sink
	Logger        *slog.Logger
	Confirmations uint64
	// ConfirmWait bounds how long one Apply call blocks waiting for the
	// transaction to reach depth before rejecting as not confirmed.
	ConfirmWait time.Duration
}

// NewEngine constructs the reconciliation engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	confirmWait := cfg.ConfirmWait
	if confirmWait <= 0 {
		confirmWait = 90 * time.Second
	}
	return &Engine{
		store:         cfg.Store,
		events:        cfg.Ledger,
		oracle:        cfg.Oracle,
		contract:      cfg.Contract,
		sink:          cfg.Sink,
		logger:        logger,
		metrics:       observability.Settlement(),
		locks:         newKeyedLocks(),
		confirmations: confirmations,
		confirmWait:   confirmWait,
	}
}

// Apply ingests one effect. Chain effects are confirmed, decoded, deduplicated
// against the event ledger, and applied atomically with the ledger append.
// Rejections carry a taxonomy Code; any other error is a system failure.
func (e *Engine) Apply(ctx context.Context, effect Effect) (*AppliedResult, error) {
	start := time.Now()
	result, err := e.apply(ctx, effect)
	e.metrics.ApplyLatency.WithLabelValues(effect.Kind()).Observe(time.Since(start).Seconds())
	if err != nil {
		if r, ok := AsRejection(err); ok {
			e.metrics.EffectsRejected.WithLabelValues(effect.Kind(), string(r.Code)).Inc()
			e.logger.Warn("effect rejected",
				"effect", effect.Kind(), "code", string(r.Code), "detail", r.Message)
		} else {
			e.logger.Error("effect failed", "effect", effect.Kind(), "error", err)
		}
		return nil, err
	}
	if result.Duplicate {
		e.metrics.DuplicateEvents.Inc()
	} else {
		e.metrics.EffectsApplied.WithLabelValues(effect.Kind()).Inc()
	}
	return result, nil
}

func (e *Engine) apply(ctx context.Context, effect Effect) (*AppliedResult, error) {
	switch eff := effect.(type) {
	case ChainEffect:
		return e.applyChain(ctx, eff)
	case ChainObserved:
		return e.recordObserved(ctx, eff.Event)
	case WorkSubmissionCreated:
		return e.applyWorkSubmissionCreated(ctx, eff)
	case SubmissionReviewed:
		return e.applySubmissionReviewed(ctx, eff)
	case ProjectCancelled:
		return e.applyProjectCancelled(ctx, eff)
	}
	return nil, fmt.Errorf("recon: unsupported effect %q", effect.Kind())
}

// ApplyObserved ingests an already-decoded event from the poller, skipping
// the confirmation wait: the poller caps its scan range at head minus the
// confirmation depth, so every event handed here is already at final depth.
func (e *Engine) ApplyObserved(ctx context.Context, effect Effect, ev chain.Event) (*AppliedResult, error) {
	start := time.Now()
	result, err := e.ingestEvent(ctx, effect, ev)
	e.metrics.ApplyLatency.WithLabelValues(effect.Kind()).Observe(time.Since(start).Seconds())
	if err != nil {
		if r, ok := AsRejection(err); ok {
			e.metrics.EffectsRejected.WithLabelValues(effect.Kind(), string(r.Code)).Inc()
		}
		return nil, err
	}
	if result.Duplicate {
		e.metrics.DuplicateEvents.Inc()
	} else {
		e.metrics.EffectsApplied.WithLabelValues(effect.Kind()).Inc()
	}
	return result, nil
}

func (e *Engine) applyChain(ctx context.Context, eff ChainEffect) (*AppliedResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmWait)
	defer cancel()
	receipt, err := e.oracle.WaitForConfirmations(waitCtx, eff.Tx(), e.confirmations)
	if err != nil {
		return nil, classify(err)
	}
	ev, err := matchEvent(eff, chain.ReceiptEvents(e.contract, receipt))
	if err != nil {
		return nil, err
	}
	return e.ingestEvent(ctx, eff, ev)
}

// ingestEvent runs the dedup-lock-transact sequence for one decoded event.
func (e *Engine) ingestEvent(ctx context.Context, eff Effect, ev chain.Event) (*AppliedResult, error) {
	meta := ev.Meta()
	if replay, err := e.replay(ctx, meta); err == nil {
		return replay, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	release := e.locks.Acquire(e.lockKey(ctx, ev))
	defer release()

	// Re-check under the lock: a concurrent Apply may have won the race.
	if replay, err := e.replay(ctx, meta); err == nil {
		return replay, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	var (
		result *AppliedResult
		notes  []notify.Notification
	)
	txErr := e.store.WithinTx(ctx, func(tx *settlement.Store) error {
		var err error
		result, notes, err = e.dispatch(ctx, tx, eff, ev)
		if err != nil {
			return err
		}
		result.TxHash = meta.TxHash.Hex()
		result.LogIndex = meta.LogIndex
		result.BlockNumber = meta.BlockNumber
		if err := e.appendRecord(ctx, tx, ev, result); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return errReplayStored
			}
			return err
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, errReplayStored) {
			return e.replay(ctx, meta)
		}
		return nil, classify(txErr)
	}

	for _, n := range notes {
		e.sink.Notify(ctx, n)
	}
	e.logger.Info("effect applied",
		"effect", eff.Kind(), "event", ev.Name(),
		"tx", meta.TxHash.Hex(), "logIndex", meta.LogIndex, "block", meta.BlockNumber)
	return result, nil
}

// replay serves a previously ingested event from the ledger.
func (e *Engine) replay(ctx context.Context, meta chain.Meta) (*AppliedResult, error) {
	rec, err := e.events.Find(ctx, meta.TxHash.Hex(), meta.LogIndex)
	if err != nil {
		return nil, err
	}
	var result AppliedResult
	if err := json.Unmarshal([]byte(rec.Result), &result); err != nil {
		return nil, fmt.Errorf("recon: corrupt ledger result for %s/%d: %w", rec.TxHash, rec.LogIndex, err)
	}
	result.Duplicate = true
	return &result, nil
}

func (e *Engine) appendRecord(ctx context.Context, tx *settlement.Store, ev chain.Event, result *AppliedResult) error {
	meta := ev.Meta()
	attrs, err := json.Marshal(ev.Attributes())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	description, wei := ev.Describe()
	amount := ""
	if wei != nil {
		amount = chain.FormatEther(wei)
	}
	rec := &ledger.Record{
		TxHash:           meta.TxHash.Hex(),
		LogIndex:         meta.LogIndex,
		BlockNumber:      meta.BlockNumber,
		TxIndex:          meta.TxIndex,
		EventName:        ev.Name(),
		ChainProjectID:   ev.ChainProjectID(),
		ChainMilestoneID: eventMilestoneID(ev),
		Description:      description,
		Amount:           amount,
		Attributes:       string(attrs),
		Result:           string(payload),
	}
	return e.events.WithTx(tx.DB()).Append(ctx, rec)
}

func (e *Engine) dispatch(ctx context.Context, tx *settlement.Store, eff Effect, ev chain.Event) (*AppliedResult, []notify.Notification, error) {
	switch typed := eff.(type) {
	case ProjectFunded:
		created, ok := ev.(*chain.ProjectCreated)
		if !ok {
			return nil, nil, reject(CodeEventNotFound, "expected ProjectCreated, got %s", ev.Name())
		}
		return e.applyProjectFunded(ctx, tx, typed, created)
	case MilestoneFunded:
		added, ok := ev.(*chain.MilestoneAdded)
		if !ok {
			return nil, nil, reject(CodeEventNotFound, "expected MilestoneAdded, got %s", ev.Name())
		}
		return e.applyMilestoneFunded(ctx, tx, typed, added)
	case MilestoneStarted:
		return e.applyStatusChange(ctx, tx, typed.MilestoneID, ev, settlement.MilestoneInProgress, typed.Kind())
	case SubmittedForReview:
		return e.applyStatusChange(ctx, tx, typed.MilestoneID, ev, settlement.MilestoneUnderReview, typed.Kind())
	case MilestoneApproved:
		released, ok := ev.(*chain.PaymentReleased)
		if !ok {
			return nil, nil, reject(CodeEventNotFound, "expected PaymentReleased, got %s", ev.Name())
		}
		return e.applyMilestoneApproved(ctx, tx, typed, released)
	case DisputeRaised:
		raised, ok := ev.(*chain.DisputeRaised)
		if !ok {
			return nil, nil, reject(CodeEventNotFound, "expected DisputeRaised, got %s", ev.Name())
		}
		return e.applyDisputeRaised(ctx, tx, typed, raised)
	case DisputeResolved:
		resolved, ok := ev.(*chain.DisputeResolved)
		if !ok {
			return nil, nil, reject(CodeEventNotFound, "expected DisputeResolved, got %s", ev.Name())
		}
		return e.applyDisputeResolved(ctx, tx, typed, resolved)
	case ChainObserved:
		return &AppliedResult{Effect: typed.Kind(), Description: ev.Name()}, nil, nil
	}
	return nil, nil, fmt.Errorf("recon: unsupported chain effect %q", eff.Kind())
}

func (e *Engine) applyProjectFunded(ctx context.Context, tx *settlement.Store, eff ProjectFunded, ev *chain.ProjectCreated) (*AppliedResult, []notify.Notification, error) {
	project, err := e.resolveProject(ctx, tx, eff.ProjectID, ev.ProjectID)
	if err != nil {
		return nil, nil, classify(err)
	}
	if project.ChainProjectID != nil && *project.ChainProjectID != ev.ProjectID {
		return nil, nil, reject(CodeInvalidStateTransition,
			"project %s already bound to chain project %d", project.ID, *project.ChainProjectID)
	}
	chainID := ev.ProjectID
	project.ChainProjectID = &chainID
	if project.Status == settlement.ProjectDraft {
		if err := settlement.ProjectTransition(project.Status, settlement.ProjectOpen); err != nil {
			return nil, nil, classify(err)
		}
		project.Status = settlement.ProjectOpen
	}
	if err := tx.SaveProject(ctx, project); err != nil {
		return nil, nil, err
	}
	amount := chain.FormatEther(ev.TotalAmount)
	result := &AppliedResult{
		Effect:         eff.Kind(),
		ProjectID:      project.ID,
		ProjectStatus:  project.Status,
		ChainProjectID: project.ChainProjectID,
		Amount:         amount,
		Description:    "project escrow funded",
	}
	notes := []notify.Notification{{
		UserID:         project.EmployerID,
		Type:           notify.TypeProject,
		Message:        fmt.Sprintf("Project %q funded with %s ETH in escrow", project.Title, amount),
		ReferenceID:    project.ID,
		ReferenceModel: "Project",
	}}
	return result, notes, nil
}

func (e *Engine) applyMilestoneFunded(ctx context.Context, tx *settlement.Store, eff MilestoneFunded, ev *chain.MilestoneAdded) (*AppliedResult, []notify.Notification, error) {
	milestone, project, err := e.resolveMilestone(ctx, tx, eff.MilestoneID, ev)
	if err != nil {
		return nil, nil, err
	}
	if milestone.ChainMilestoneID != nil && *milestone.ChainMilestoneID != ev.MilestoneID {
		return nil, nil, reject(CodeInvalidStateTransition,
			"milestone %s already bound to chain milestone %d", milestone.ID, *milestone.ChainMilestoneID)
	}
	chainMilestoneID := ev.MilestoneID
	milestone.ChainMilestoneID = &chainMilestoneID

	amount := chain.FormatEther(ev.Amount)
	payment := &settlement.Payment{
		ProjectID:        project.ID,
		MilestoneID:      milestone.ID,
		Amount:           amount,
		Currency:         project.Currency,
		Status:           settlement.PaymentEscrow,
		EmployerID:       project.EmployerID,
		FreelancerID:     project.FreelancerID,
		TxHash:           ev.Raw.TxHash.Hex(),
		ContractAddress:  ev.Raw.Contract.Hex(),
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, nil, classify(err)
	}
	milestone.PaymentID = &payment.ID
	if err := tx.SaveMilestone(ctx, milestone); err != nil {
		return nil, nil, err
	}
	if project.Status == settlement.ProjectOpen {
		if err := settlement.ProjectTransition(project.Status, settlement.ProjectInProgress); err != nil {
			return nil, nil, classify(err)
		}
		project.Status = settlement.ProjectInProgress
		if err := tx.SaveProject(ctx, project); err != nil {
			return nil, nil, err
		}
	}
	result := &AppliedResult{
		Effect:           eff.Kind(),
		ProjectID:        project.ID,
		MilestoneID:      &milestone.ID,
		PaymentID:        &payment.ID,
		ProjectStatus:    project.Status,
		MilestoneStatus:  milestone.Status,
		PaymentStatus:    payment.Status,
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
		Amount:           amount,
		Description:      "milestone escrow funded",
	}
	var notes []notify.Notification
	if project.FreelancerID != nil {
		notes = append(notes, notify.Notification{
			UserID:         *project.FreelancerID,
			Type:           notify.TypeMilestone,
			Message:        fmt.Sprintf("Milestone %q funded: %s ETH locked in escrow", milestone.Title, amount),
			ReferenceID:    milestone.ID,
			ReferenceModel: "Milestone",
		})
	}
	return result, notes, nil
}

// applyStatusChange covers MilestoneStarted and SubmittedForReview, both of
// which are plain milestone transitions confirmed by a status event.
func (e *Engine) applyStatusChange(ctx context.Context, tx *settlement.Store, milestoneID uuid.UUID, ev chain.Event, target settlement.MilestoneStatus, kind string) (*AppliedResult, []notify.Notification, error) {
	changed, ok := ev.(*chain.MilestoneStatusChanged)
	if !ok {
		return nil, nil, reject(CodeEventNotFound, "expected MilestoneStatusChanged, got %s", ev.Name())
	}
	milestone, project, err := e.resolveMilestoneByChain(ctx, tx, milestoneID, changed.ProjectID, changed.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	if err := settlement.MilestoneTransition(milestone.Status, target); err != nil {
		return nil, nil, classify(err)
	}
	// A milestone never enters review without a recorded delivery to review.
	if target == settlement.MilestoneUnderReview {
		if _, err := tx.LatestSubmission(ctx, milestone.ID); err != nil {
			if errors.Is(err, settlement.ErrNotFound) {
				return nil, nil, reject(CodePreconditionNotMet,
					"no work submission recorded for milestone %s", milestone.ID)
			}
			return nil, nil, err
		}
	}
	milestone.Status = target
	if err := tx.SaveMilestone(ctx, milestone); err != nil {
		return nil, nil, err
	}
	result := &AppliedResult{
		Effect:           kind,
		ProjectID:        project.ID,
		MilestoneID:      &milestone.ID,
		ProjectStatus:    project.Status,
		MilestoneStatus:  milestone.Status,
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
	}
	var notes []notify.Notification
	if target == settlement.MilestoneUnderReview {
		notes = append(notes, notify.Notification{
			UserID:         project.EmployerID,
			Type:           notify.TypeMilestone,
			Message:        fmt.Sprintf("Milestone %q submitted for review", milestone.Title),
			ReferenceID:    milestone.ID,
			ReferenceModel: "Milestone",
		})
	} else if project.FreelancerID != nil {
		notes = append(notes, notify.Notification{
			UserID:         *project.FreelancerID,
			Type:           notify.TypeMilestone,
			Message:        fmt.Sprintf("Milestone %q is now in progress", milestone.Title),
			ReferenceID:    milestone.ID,
			ReferenceModel: "Milestone",
		})
	}
	return result, notes, nil
}

func (e *Engine) applyMilestoneApproved(ctx context.Context, tx *settlement.Store, eff MilestoneApproved, ev *chain.PaymentReleased) (*AppliedResult, []notify.Notification, error) {
	milestone, project, err := e.resolveMilestoneByChain(ctx, tx, eff.MilestoneID, ev.ProjectID, ev.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.OpenDispute(ctx, milestone.ID); err == nil {
		return nil, nil, &Rejection{
			Code:    CodeMilestoneLocked,
			Message: fmt.Sprintf("milestone %s has an open dispute, approval frozen", milestone.ID),
		}
	} else if !errors.Is(err, settlement.ErrNotFound) {
		return nil, nil, err
	}
	if err := settlement.MilestoneTransition(milestone.Status, settlement.MilestoneCompleted); err != nil {
		return nil, nil, classify(err)
	}
	payment, err := tx.ActivePayment(ctx, milestone.ID)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, nil, reject(CodePreconditionNotMet,
				"no escrowed payment for milestone %s, funding not yet ingested", milestone.ID)
		}
		return nil, nil, err
	}
	if err := settlement.PaymentTransition(payment.Status, settlement.PaymentReleased); err != nil {
		return nil, nil, classify(err)
	}

	now := time.Now().UTC()
	payment.Status = settlement.PaymentReleased
	payment.ReleasedAt = &now
	payment.TxHash = ev.Raw.TxHash.Hex()
	if err := tx.SavePayment(ctx, payment); err != nil {
		return nil, nil, classify(err)
	}
	milestone.Status = settlement.MilestoneCompleted
	milestone.CompletedAt = &now
	if err := tx.SaveMilestone(ctx, milestone); err != nil {
		return nil, nil, err
	}
	project.CompletedMilestones++
	if project.CompletedMilestones >= project.TotalMilestones && project.Status != settlement.ProjectCompleted {
		if err := settlement.ProjectTransition(project.Status, settlement.ProjectCompleted); err != nil {
			return nil, nil, classify(err)
		}
		project.Status = settlement.ProjectCompleted
	}
	if err := tx.SaveProject(ctx, project); err != nil {
		return nil, nil, err
	}

	amount := chain.FormatEther(ev.Amount)
	result := &AppliedResult{
		Effect:           eff.Kind(),
		ProjectID:        project.ID,
		MilestoneID:      &milestone.ID,
		PaymentID:        &payment.ID,
		ProjectStatus:    project.Status,
		MilestoneStatus:  milestone.Status,
		PaymentStatus:    payment.Status,
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
		Amount:           amount,
		Description:      "milestone approved and payment released",
	}
	var notes []notify.Notification
	if project.FreelancerID != nil {
		notes = append(notes, notify.Notification{
			UserID:         *project.FreelancerID,
			Type:           notify.TypePayment,
			Message:        fmt.Sprintf("Payment of %s ETH released for milestone %q", amount, milestone.Title),
			ReferenceID:    payment.ID,
			ReferenceModel: "Payment",
		})
	}
	notes = append(notes, notify.Notification{
		UserID:         project.EmployerID,
		Type:           notify.TypeMilestone,
		Message:        fmt.Sprintf("Milestone %q completed", milestone.Title),
		ReferenceID:    milestone.ID,
		ReferenceModel: "Milestone",
	})
	return result, notes, nil
}

func (e *Engine) applyDisputeRaised(ctx context.Context, tx *settlement.Store, eff DisputeRaised, ev *chain.DisputeRaised) (*AppliedResult, []notify.Notification, error) {
	milestone, project, err := e.resolveMilestoneByChain(ctx, tx, eff.MilestoneID, ev.ProjectID, ev.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	if err := settlement.MilestoneTransition(milestone.Status, settlement.MilestoneDisputed); err != nil {
		return nil, nil, classify(err)
	}
	dispute := &settlement.Dispute{
		ProjectID:   project.ID,
		MilestoneID: milestone.ID,
		RaiserID:    eff.RaiserID,
		Reason:      eff.Reason,
		Description: eff.Description,
		Status:      settlement.DisputeOpen,
		TxHash:      ev.Raw.TxHash.Hex(),
	}
	if err := tx.CreateDispute(ctx, dispute); err != nil {
		return nil, nil, err
	}
	milestone.Status = settlement.MilestoneDisputed
	if err := tx.SaveMilestone(ctx, milestone); err != nil {
		return nil, nil, err
	}
	result := &AppliedResult{
		Effect:           eff.Kind(),
		ProjectID:        project.ID,
		MilestoneID:      &milestone.ID,
		DisputeID:        &dispute.ID,
		ProjectStatus:    project.Status,
		MilestoneStatus:  milestone.Status,
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
		Description:      eff.Reason,
	}
	notes := []notify.Notification{{
		UserID:         project.EmployerID,
		Type:           notify.TypeDispute,
		Message:        fmt.Sprintf("Dispute raised on milestone %q: %s", milestone.Title, eff.Reason),
		ReferenceID:    dispute.ID,
		ReferenceModel: "Dispute",
	}}
	if project.FreelancerID != nil {
		notes = append(notes, notify.Notification{
			UserID:         *project.FreelancerID,
			Type:           notify.TypeDispute,
			Message:        fmt.Sprintf("Dispute raised on milestone %q: %s", milestone.Title, eff.Reason),
			ReferenceID:    dispute.ID,
			ReferenceModel: "Dispute",
		})
	}
	return result, notes, nil
}

func (e *Engine) applyDisputeResolved(ctx context.Context, tx *settlement.Store, eff DisputeResolved, ev *chain.DisputeResolved) (*AppliedResult, []notify.Notification, error) {
	milestone, project, err := e.resolveMilestoneByChain(ctx, tx, eff.MilestoneID, ev.ProjectID, ev.MilestoneID)
	if err != nil {
		return nil, nil, err
	}
	dispute, err := tx.OpenDispute(ctx, milestone.ID)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, nil, reject(CodePreconditionNotMet,
				"no open dispute for milestone %s, raise event not yet ingested", milestone.ID)
		}
		return nil, nil, err
	}

	now := time.Now().UTC()
	target := settlement.MilestoneInProgress
	outcome := settlement.OutcomeFavorEmployer
	paymentTarget := settlement.PaymentRefunded
	if ev.FavorFreelancer {
		target = settlement.MilestoneCompleted
		outcome = settlement.OutcomeFavorFreelancer
		paymentTarget = settlement.PaymentReleased
	}
	if err := settlement.MilestoneTransition(milestone.Status, target); err != nil {
		return nil, nil, classify(err)
	}

	var payment *settlement.Payment
	payment, err = tx.ActivePayment(ctx, milestone.ID)
	switch {
	case err == nil:
		if err := settlement.PaymentTransition(payment.Status, paymentTarget); err != nil {
			return nil, nil, classify(err)
		}
		payment.Status = paymentTarget
		if paymentTarget == settlement.PaymentReleased {
			payment.ReleasedAt = &now
		}
		payment.TxHash = ev.Raw.TxHash.Hex()
		if err := tx.SavePayment(ctx, payment); err != nil {
			return nil, nil, classify(err)
		}
	case errors.Is(err, settlement.ErrNotFound):
		// A dispute on an unfunded milestone resolves without money movement.
		payment = nil
	default:
		return nil, nil, err
	}

	milestone.Status = target
	if target == settlement.MilestoneCompleted {
		milestone.CompletedAt = &now
	}
	if err := tx.SaveMilestone(ctx, milestone); err != nil {
		return nil, nil, err
	}
	if target == settlement.MilestoneCompleted {
		project.CompletedMilestones++
		if project.CompletedMilestones >= project.TotalMilestones && project.Status != settlement.ProjectCompleted {
			if err := settlement.ProjectTransition(project.Status, settlement.ProjectCompleted); err != nil {
				return nil, nil, classify(err)
			}
			project.Status = settlement.ProjectCompleted
		}
		if err := tx.SaveProject(ctx, project); err != nil {
			return nil, nil, err
		}
	}

	dispute.Status = settlement.DisputeResolved
	dispute.Outcome = outcome
	dispute.ResolvedAt = &now
	if eff.ResolvedBy != uuid.Nil {
		resolver := eff.ResolvedBy
		dispute.ResolvedBy = &resolver
	}
	if err := tx.SaveDispute(ctx, dispute); err != nil {
		return nil, nil, err
	}

	result := &AppliedResult{
		Effect:           eff.Kind(),
		ProjectID:        project.ID,
		MilestoneID:      &milestone.ID,
		DisputeID:        &dispute.ID,
		ProjectStatus:    project.Status,
		MilestoneStatus:  milestone.Status,
		ChainProjectID:   project.ChainProjectID,
		ChainMilestoneID: milestone.ChainMilestoneID,
		Amount:           chain.FormatEther(ev.Amount),
		Description:      fmt.Sprintf("dispute resolved %s", outcome),
	}
	if payment != nil {
		result.PaymentID = &payment.ID
		result.PaymentStatus = payment.Status
	}
	notes := []notify.Notification{{
		UserID:         project.EmployerID,
		Type:           notify.TypeDispute,
		Message:        fmt.Sprintf("Dispute on milestone %q resolved (%s)", milestone.Title, outcome),
		ReferenceID:    dispute.ID,
		ReferenceModel: "Dispute",
	}}
	if project.FreelancerID != nil {
		notes = append(notes, notify.Notification{
			UserID:         *project.FreelancerID,
			Type:           notify.TypeDispute,
			Message:        fmt.Sprintf("Dispute on milestone %q resolved (%s)", milestone.Title, outcome),
			ReferenceID:    dispute.ID,
			ReferenceModel: "Dispute",
		})
	}
	return result, notes, nil
}

// recordObserved appends a status-mirror event to the ledger without mutating
// settlement state, so the poller never rescans it.
func (e *Engine) recordObserved(ctx context.Context, ev chain.Event) (*AppliedResult, error) {
	return e.ingestEvent(ctx, ChainObserved{Event: ev}, ev)
}

func (e *Engine) applyWorkSubmissionCreated(ctx context.Context, eff WorkSubmissionCreated) (*AppliedResult, error) {
	release := e.locks.Acquire(milestoneLockKey(eff.MilestoneID))
	defer release()

	var (
		result *AppliedResult
		notes  []notify.Notification
	)
	err := e.store.WithinTx(ctx, func(tx *settlement.Store) error {
		milestone, err := tx.MilestoneByID(ctx, eff.MilestoneID)
		if err != nil {
			return err
		}
		// The gate is the same check a review submission would face: the
		// milestone must be workable right now.
		if err := settlement.MilestoneTransition(milestone.Status, settlement.MilestoneUnderReview); err != nil {
			return err
		}
		project, err := tx.ProjectByID(ctx, milestone.ProjectID)
		if err != nil {
			return err
		}
		sub := &settlement.WorkSubmission{
			ID:           eff.SubmissionID,
			MilestoneID:  milestone.ID,
			FreelancerID: eff.FreelancerID,
			Description:  eff.Description,
			Status:       settlement.SubmissionPending,
		}
		if err := tx.CreateSubmission(ctx, sub); err != nil {
			return err
		}
		result = &AppliedResult{
			Effect:           eff.Kind(),
			ProjectID:        project.ID,
			MilestoneID:      &milestone.ID,
			SubmissionID:     &sub.ID,
			MilestoneStatus:  milestone.Status,
			SubmissionStatus: sub.Status,
			Description:      "work submitted for review",
		}
		notes = append(notes, notify.Notification{
			UserID:         project.EmployerID,
			Type:           notify.TypeMilestone,
			Message:        fmt.Sprintf("Work delivered for milestone %q", milestone.Title),
			ReferenceID:    sub.ID,
			ReferenceModel: "WorkSubmission",
		})
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	for _, n := range notes {
		e.sink.Notify(ctx, n)
	}
	return result, nil
}

func (e *Engine) applySubmissionReviewed(ctx context.Context, eff SubmissionReviewed) (*AppliedResult, error) {
	target, err := e.store.SubmissionByID(ctx, eff.SubmissionID)
	if err != nil {
		return nil, classify(err)
	}
	release := e.locks.Acquire(milestoneLockKey(target.MilestoneID))
	defer release()

	var (
		result *AppliedResult
		notes  []notify.Notification
	)
	err = e.store.WithinTx(ctx, func(tx *settlement.Store) error {
		sub, err := tx.SubmissionByID(ctx, eff.SubmissionID)
		if err != nil {
			return err
		}
		milestone, err := tx.MilestoneByID(ctx, sub.MilestoneID)
		if err != nil {
			return err
		}
		if milestone.Status == settlement.MilestoneDisputed {
			return fmt.Errorf("%w: milestone %s, review frozen", settlement.ErrMilestoneLocked, milestone.ID)
		}
		now := time.Now().UTC()
		if eff.Uncertain {
			sub.EscalatedToManual = true
			sub.VerificationResult = "uncertain"
			sub.VerificationConfidence = eff.Confidence
			sub.VerifiedAt = &now
			sub.ReviewNotes = eff.Feedback
			if err := tx.SaveSubmission(ctx, sub); err != nil {
				return err
			}
			result = &AppliedResult{
				Effect:           eff.Kind(),
				MilestoneID:      &milestone.ID,
				SubmissionID:     &sub.ID,
				MilestoneStatus:  milestone.Status,
				SubmissionStatus: sub.Status,
				Description:      "verification uncertain, escalated to manual review",
			}
			return nil
		}

		sub.Status = eff.Verdict
		sub.Feedback = eff.Feedback
		sub.ReviewedAt = &now
		if eff.Confidence > 0 {
			sub.VerificationResult = string(eff.Verdict)
			sub.VerificationConfidence = eff.Confidence
			sub.VerifiedAt = &now
		}
		if err := tx.SaveSubmission(ctx, sub); err != nil {
			return err
		}
		// A rejection or revision request sends the milestone back to work;
		// approval leaves it under review until the on-chain approval lands.
		if eff.Verdict != settlement.SubmissionApproved && milestone.Status == settlement.MilestoneUnderReview {
			if err := settlement.MilestoneTransition(milestone.Status, settlement.MilestoneInProgress); err != nil {
				return err
			}
			milestone.Status = settlement.MilestoneInProgress
			if err := tx.SaveMilestone(ctx, milestone); err != nil {
				return err
			}
		}
		result = &AppliedResult{
			Effect:           eff.Kind(),
			MilestoneID:      &milestone.ID,
			SubmissionID:     &sub.ID,
			MilestoneStatus:  milestone.Status,
			SubmissionStatus: sub.Status,
		}
		notes = append(notes, notify.Notification{
			UserID:         sub.FreelancerID,
			Type:           notify.TypeMilestone,
			Message:        fmt.Sprintf("Submission reviewed: %s", eff.Verdict),
			ReferenceID:    sub.ID,
			ReferenceModel: "WorkSubmission",
		})
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	for _, n := range notes {
		e.sink.Notify(ctx, n)
	}
	return result, nil
}

func (e *Engine) applyProjectCancelled(ctx context.Context, eff ProjectCancelled) (*AppliedResult, error) {
	release := e.locks.Acquire(projectLockKey(eff.ProjectID))
	defer release()

	var (
		result *AppliedResult
		notes  []notify.Notification
	)
	err := e.store.WithinTx(ctx, func(tx *settlement.Store) error {
		project, err := tx.ProjectByID(ctx, eff.ProjectID)
		if err != nil {
			return err
		}
		if err := settlement.ProjectTransition(project.Status, settlement.ProjectCanceled); err != nil {
			return err
		}
		milestones, err := tx.MilestonesByProject(ctx, project.ID)
		if err != nil {
			return err
		}
		for _, m := range milestones {
			if m.Status == settlement.MilestoneDisputed {
				return fmt.Errorf("%w: milestone %s disputed, cancellation frozen",
					settlement.ErrMilestoneLocked, m.ID)
			}
		}
		cancelled := 0
		for i := range milestones {
			payment, err := tx.ActivePayment(ctx, milestones[i].ID)
			if errors.Is(err, settlement.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// Released payments stay released; only locked escrow is returned.
			if payment.Status != settlement.PaymentEscrow {
				continue
			}
			if err := settlement.PaymentTransition(payment.Status, settlement.PaymentCancelled); err != nil {
				return err
			}
			payment.Status = settlement.PaymentCancelled
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
			cancelled++
		}
		project.Status = settlement.ProjectCanceled
		if err := tx.SaveProject(ctx, project); err != nil {
			return err
		}
		result = &AppliedResult{
			Effect:        eff.Kind(),
			ProjectID:     project.ID,
			ProjectStatus: project.Status,
			Description:   fmt.Sprintf("project cancelled, %d escrowed payment(s) returned", cancelled),
		}
		notes = append(notes, notify.Notification{
			UserID:         project.EmployerID,
			Type:           notify.TypeProject,
			Message:        fmt.Sprintf("Project %q cancelled", project.Title),
			ReferenceID:    project.ID,
			ReferenceModel: "Project",
		})
		if project.FreelancerID != nil {
			notes = append(notes, notify.Notification{
				UserID:         *project.FreelancerID,
				Type:           notify.TypeProject,
				Message:        fmt.Sprintf("Project %q cancelled", project.Title),
				ReferenceID:    project.ID,
				ReferenceModel: "Project",
			})
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	for _, n := range notes {
		e.sink.Notify(ctx, n)
	}
	return result, nil
}

// resolveProject prefers the explicit identifier from the request path and
// falls back to the on-chain binding for poller-driven ingestion.
func (e *Engine) resolveProject(ctx context.Context, tx *settlement.Store, id uuid.UUID, chainID uint64) (*settlement.Project, error) {
	if id != uuid.Nil {
		return tx.ProjectByID(ctx, id)
	}
	return tx.ProjectByChainID(ctx, chainID)
}

// resolveMilestone maps a MilestoneAdded event onto the off-chain milestone.
// The contract assigns milestone identifiers in creation order, so when no
// chain id is attached yet the ordering index is the join key.
func (e *Engine) resolveMilestone(ctx context.Context, tx *settlement.Store, id uuid.UUID, ev *chain.MilestoneAdded) (*settlement.Milestone, *settlement.Project, error) {
	if id != uuid.Nil {
		milestone, err := tx.MilestoneByID(ctx, id)
		if err != nil {
			return nil, nil, classify(err)
		}
		project, err := tx.ProjectByID(ctx, milestone.ProjectID)
		if err != nil {
			return nil, nil, classify(err)
		}
		return milestone, project, nil
	}
	project, err := tx.ProjectByChainID(ctx, ev.ProjectID)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, nil, reject(CodePreconditionNotMet,
				"chain project %d not yet bound, funding not ingested", ev.ProjectID)
		}
		return nil, nil, err
	}
	milestone, err := tx.MilestoneByChainID(ctx, ev.ProjectID, ev.MilestoneID)
	if err == nil {
		return milestone, project, nil
	}
	if !errors.Is(err, settlement.ErrNotFound) {
		return nil, nil, err
	}
	milestone, err = tx.MilestoneByOrder(ctx, project.ID, int(ev.MilestoneID))
	if err != nil {
		return nil, nil, classify(err)
	}
	return milestone, project, nil
}

// resolveMilestoneByChain resolves a milestone already bound to chain ids.
func (e *Engine) resolveMilestoneByChain(ctx context.Context, tx *settlement.Store, id uuid.UUID, chainProjectID, chainMilestoneID uint64) (*settlement.Milestone, *settlement.Project, error) {
	var (
		milestone *settlement.Milestone
		err       error
	)
	if id != uuid.Nil {
		milestone, err = tx.MilestoneByID(ctx, id)
	} else {
		milestone, err = tx.MilestoneByChainID(ctx, chainProjectID, chainMilestoneID)
		if errors.Is(err, settlement.ErrNotFound) {
			return nil, nil, reject(CodePreconditionNotMet,
				"chain milestone %d/%d not yet bound, funding not ingested", chainProjectID, chainMilestoneID)
		}
	}
	if err != nil {
		return nil, nil, classify(err)
	}
	project, err := tx.ProjectByID(ctx, milestone.ProjectID)
	if err != nil {
		return nil, nil, classify(err)
	}
	return milestone, project, nil
}

// matchEvent picks the receipt event a chain effect claims to report.
func matchEvent(eff ChainEffect, events []chain.Event) (chain.Event, error) {
	for _, ev := range events {
		switch eff.(type) {
		case ProjectFunded:
			if _, ok := ev.(*chain.ProjectCreated); ok {
				return ev, nil
			}
		case MilestoneFunded:
			if _, ok := ev.(*chain.MilestoneAdded); ok {
				return ev, nil
			}
		case MilestoneStarted:
			if changed, ok := ev.(*chain.MilestoneStatusChanged); ok && changed.Status == chain.ChainMilestoneInProgress {
				return ev, nil
			}
		case SubmittedForReview:
			if changed, ok := ev.(*chain.MilestoneStatusChanged); ok && changed.Status == chain.ChainMilestoneUnderReview {
				return ev, nil
			}
		case MilestoneApproved:
			if _, ok := ev.(*chain.PaymentReleased); ok {
				return ev, nil
			}
		case DisputeRaised:
			if _, ok := ev.(*chain.DisputeRaised); ok {
				return ev, nil
			}
		case DisputeResolved:
			if _, ok := ev.(*chain.DisputeResolved); ok {
				return ev, nil
			}
		}
	}
	return nil, reject(CodeEventNotFound,
		"confirmed transaction %s carries no %s event from the escrow contract", eff.Tx().Hex(), eff.Kind())
}

func milestoneLockKey(id uuid.UUID) string { return "m:" + id.String() }

func projectLockKey(id uuid.UUID) string { return "p:" + id.String() }

// lockKey resolves the off-chain entity an event targets so that chain-driven
// and off-chain writers contend on one key. Before the funding event binds the
// chain identifiers, the ordering index resolves to the same milestone the
// funding will bind, so both sides of that race still share a key. When
// nothing off-chain exists yet there is nothing to race with and the chain
// identifiers serve as the key.
func (e *Engine) lockKey(ctx context.Context, ev chain.Event) string {
	if id := eventMilestoneID(ev); id != nil {
		if m, err := e.store.MilestoneByChainID(ctx, ev.ChainProjectID(), *id); err == nil {
			return milestoneLockKey(m.ID)
		}
		if p, err := e.store.ProjectByChainID(ctx, ev.ChainProjectID()); err == nil {
			if m, err := e.store.MilestoneByOrder(ctx, p.ID, int(*id)); err == nil {
				return milestoneLockKey(m.ID)
			}
		}
		return fmt.Sprintf("chain:%d/%d", ev.ChainProjectID(), *id)
	}
	if p, err := e.store.ProjectByChainID(ctx, ev.ChainProjectID()); err == nil {
		return projectLockKey(p.ID)
	}
	return fmt.Sprintf("chain:%d", ev.ChainProjectID())
}

func eventMilestoneID(ev chain.Event) *uint64 {
	var id uint64
	switch typed := ev.(type) {
	case *chain.MilestoneAdded:
		id = typed.MilestoneID
	case *chain.MilestoneStatusChanged:
		id = typed.MilestoneID
	case *chain.PaymentReleased:
		id = typed.MilestoneID
	case *chain.DisputeRaised:
		id = typed.MilestoneID
	case *chain.DisputeResolved:
		id = typed.MilestoneID
	default:
		return nil
	}
	return &id
}
