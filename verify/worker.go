package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gigchain/recon"
	"gigchain/settlement"
)

// Worker drains unverified pending submissions through the oracle and feeds
// the verdicts back into the reconciliation engine. Low-confidence verdicts
// escalate to manual review instead of deciding.
type Worker struct {
	store     *settlement.Store
	engine    *recon.Engine
	oracle    Oracle
	logger    *slog.Logger
	threshold float64
	interval  time.Duration
	batch     int
}

// WorkerConfig wires the worker's collaborators and cadence.
type WorkerConfig struct {
	Store  *settlement.Store
	Engine *recon.Engine
	Oracle Oracle
	Logger *slog.Logger
	// Threshold is the minimum confidence for the oracle's verdict to be
	// applied automatically.
	Threshold float64
	Interval  time.Duration
	BatchSize int
}

// NewWorker constructs the verification loop.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	return &Worker{
		store:     cfg.Store,
		engine:    cfg.Engine,
		oracle:    cfg.Oracle,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
		batch:     batch,
	}
}

// Run verifies on the configured interval until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cycle(ctx); err != nil {
				w.logger.Warn("verification cycle failed", "error", err)
			}
		}
	}
}

// Cycle verifies one batch of pending submissions.
func (w *Worker) Cycle(ctx context.Context) error {
	subs, err := w.store.UnverifiedSubmissions(ctx, w.batch)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := w.verifyOne(ctx, sub); err != nil {
			if errors.Is(err, ErrUnavailable) {
				// Leave the rest pending; the service is down for all of them.
				return err
			}
			w.logger.Warn("submission verification failed",
				"submission", sub.ID.String(), "error", err)
		}
	}
	return nil
}

func (w *Worker) verifyOne(ctx context.Context, sub settlement.WorkSubmission) error {
	milestone, err := w.store.MilestoneByID(ctx, sub.MilestoneID)
	if err != nil {
		return err
	}
	verdict, err := w.oracle.VerifySubmission(ctx, Request{
		SubmissionID: sub.ID,
		Description:  milestone.Description,
		Requirements: milestone.RequiredDeliverables,
		Deliverables: sub.Description,
	})
	if err != nil {
		return err
	}

	effect := recon.SubmissionReviewed{
		SubmissionID: sub.ID,
		Confidence:   verdict.Confidence,
		Feedback:     verdict.Feedback,
	}
	switch {
	case verdict.Result == ResultUncertain || verdict.Confidence < w.threshold:
		effect.Uncertain = true
	case verdict.Result == ResultApproved:
		effect.Verdict = settlement.SubmissionApproved
	default:
		effect.Verdict = settlement.SubmissionRevisionRequested
	}

	if _, err := w.engine.Apply(ctx, effect); err != nil {
		if rejection, ok := recon.AsRejection(err); ok && rejection.Code == recon.CodeMilestoneLocked {
			w.logger.Info("submission review frozen by open dispute",
				"submission", sub.ID.String())
			return nil
		}
		return err
	}
	w.logger.Info("submission verified",
		"submission", sub.ID.String(), "result", verdict.Result,
		"confidence", verdict.Confidence, "escalated", effect.Uncertain)
	return nil
}
