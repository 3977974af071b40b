package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gigchain/chain"
	"gigchain/ledger"
	"gigchain/observability"
	"gigchain/settlement"
)

// Poller sweeps the escrow contract's logs for every funded project so that
// settlement state converges even when clients never report their
// transactions. It is the safety net behind the request path; both feed the
// same engine and the ledger dedup key keeps them from double-applying.
type Poller struct {
	engine       *Engine
	store        *settlement.Store
	events       *ledger.Ledger
	oracle       chain.Oracle
	logger       *slog.Logger
	metrics      *observability.SettlementMetrics
	interval     time.Duration
	safetyWindow uint64
	maxRetries   int

	mu       sync.Mutex
	attempts map[string]int
	gaveUp   map[string]bool
}

// PollerConfig wires the poller's collaborators and cadence.
type PollerConfig struct {
	Engine *Engine
	Store  *settlement.Store
	Ledger *ledger.Ledger
	Oracle chain.Oracle
	Logger *slog.Logger
	// Interval between sweeps.
	Interval time.Duration
	// SafetyWindow is how many trailing blocks each sweep re-scans; reorgs
	// and races near the cursor are absorbed here, duplicates are free.
	SafetyWindow uint64
	// MaxRetries bounds retryable rejections per event before the poller
	// surfaces an operator alert and moves on.
	MaxRetries int
}

// NewPoller constructs the sweep loop.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	window := cfg.SafetyWindow
	if window == 0 {
		window = 6
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Poller{
		engine:       cfg.Engine,
		store:        cfg.Store,
		events:       cfg.Ledger,
		oracle:       cfg.Oracle,
		logger:       logger,
		metrics:      observability.Settlement(),
		interval:     interval,
		safetyWindow: window,
		maxRetries:   maxRetries,
		attempts:     make(map[string]int),
		gaveUp:       make(map[string]bool),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				p.logger.Warn("poller sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over every funded project's unscanned block range. The
// scan stops short of the head by the engine's confirmation depth so only
// events at final depth are ingested; the cursor never passes that boundary.
func (p *Poller) Sweep(ctx context.Context) error {
	head, err := p.oracle.Head(ctx)
	if err != nil {
		return err
	}
	if depth := p.engine.confirmations; depth > 1 {
		if head < depth-1 {
			return nil
		}
		head -= depth - 1
	}
	projects, err := p.store.FundedProjects(ctx)
	if err != nil {
		return err
	}

	var maxLag uint64
	for _, project := range projects {
		if project.ChainProjectID == nil {
			continue
		}
		lag, err := p.sweepProject(ctx, *project.ChainProjectID, head)
		if err != nil {
			p.logger.Warn("project sweep failed",
				"chainProjectId", *project.ChainProjectID, "error", err)
			continue
		}
		if lag > maxLag {
			maxLag = lag
		}
	}
	p.metrics.PollerLagBlocks.Set(float64(maxLag))
	p.metrics.PollerCycles.Inc()
	return nil
}

// sweepProject scans one project's range and returns how far behind the head
// its cursor remains.
func (p *Poller) sweepProject(ctx context.Context, chainProjectID, head uint64) (uint64, error) {
	cursor, err := p.events.Cursor(ctx, chainProjectID)
	if err != nil {
		return 0, err
	}
	from := uint64(0)
	if cursor > p.safetyWindow {
		from = cursor - p.safetyWindow
	}
	if from > head {
		return 0, nil
	}

	observed, err := p.oracle.EventsInRange(ctx, from, head, &chainProjectID)
	if err != nil {
		return head - cursor, err
	}

	processed := head
	for _, ev := range observed {
		if ok := p.ingest(ctx, ev); !ok {
			// A retryable rejection holds the cursor just below the event's
			// block so the next sweep picks it up again.
			if ev.Meta().BlockNumber > 0 && ev.Meta().BlockNumber-1 < processed {
				processed = ev.Meta().BlockNumber - 1
			}
		}
	}
	if processed > cursor {
		if err := p.events.SetCursor(ctx, chainProjectID, processed); err != nil {
			return head - cursor, err
		}
		cursor = processed
	}
	if head > cursor {
		return head - cursor, nil
	}
	return 0, nil
}

// ingest applies one observed event. It reports false only when the cursor
// must not advance past the event.
func (p *Poller) ingest(ctx context.Context, ev chain.Event) bool {
	key := fmt.Sprintf("%s/%d", ev.Meta().TxHash.Hex(), ev.Meta().LogIndex)
	p.mu.Lock()
	skip := p.gaveUp[key]
	p.mu.Unlock()
	if skip {
		return true
	}

	effect := p.effectForEvent(ev)
	_, err := p.engine.ApplyObserved(ctx, effect, ev)
	if err == nil {
		p.forget(key)
		return true
	}

	rejection, ok := AsRejection(err)
	if !ok {
		p.logger.Error("poller ingest failed", "event", ev.Name(), "tx", key, "error", err)
		return false
	}
	if !rejection.Code.Retryable() {
		p.alert(ctx, ev, rejection, 1)
		p.markGaveUp(key)
		return true
	}

	p.mu.Lock()
	p.attempts[key]++
	tries := p.attempts[key]
	p.mu.Unlock()
	p.metrics.EffectRetries.Inc()
	if tries >= p.maxRetries {
		p.alert(ctx, ev, rejection, tries)
		p.markGaveUp(key)
		return true
	}
	p.logger.Debug("retryable rejection, will re-sweep",
		"event", ev.Name(), "tx", key, "code", string(rejection.Code), "attempt", tries)
	return false
}

func (p *Poller) alert(ctx context.Context, ev chain.Event, rejection *Rejection, tries int) {
	p.metrics.StuckEffects.Inc()
	meta := ev.Meta()
	alert := &settlement.OperatorAlert{
		TxHash:   meta.TxHash.Hex(),
		LogIndex: meta.LogIndex,
		Effect:   ev.Name(),
		Code:     string(rejection.Code),
		Detail:   rejection.Message,
		Attempts: tries,
	}
	if err := p.store.RecordAlert(ctx, alert); err != nil {
		p.logger.Error("record operator alert", "tx", meta.TxHash.Hex(), "error", err)
	}
	p.logger.Error("event ingestion abandoned",
		"event", ev.Name(), "tx", meta.TxHash.Hex(), "logIndex", meta.LogIndex,
		"code", string(rejection.Code), "attempts", tries)
}

func (p *Poller) markGaveUp(key string) {
	p.mu.Lock()
	p.gaveUp[key] = true
	delete(p.attempts, key)
	p.mu.Unlock()
}

func (p *Poller) forget(key string) {
	p.mu.Lock()
	delete(p.attempts, key)
	p.mu.Unlock()
}

// effectForEvent maps an observed contract event onto the engine effect the
// request path would have submitted. Entity resolution falls back to the
// on-chain identifiers since the poller has no request context.
func (p *Poller) effectForEvent(ev chain.Event) Effect {
	switch typed := ev.(type) {
	case *chain.ProjectCreated:
		return ProjectFunded{TxHash: typed.Raw.TxHash}
	case *chain.MilestoneAdded:
		return MilestoneFunded{TxHash: typed.Raw.TxHash}
	case *chain.MilestoneStatusChanged:
		switch typed.Status {
		case chain.ChainMilestoneInProgress:
			return MilestoneStarted{TxHash: typed.Raw.TxHash}
		case chain.ChainMilestoneUnderReview:
			return SubmittedForReview{TxHash: typed.Raw.TxHash}
		}
		// Completed, Disputed, and Pending mirrors ride along with a richer
		// event in the same transaction; record them so they never rescan.
		return ChainObserved{Event: typed}
	case *chain.PaymentReleased:
		return MilestoneApproved{TxHash: typed.Raw.TxHash}
	case *chain.DisputeRaised:
		return DisputeRaised{
			Reason:      "raised on-chain",
			Description: fmt.Sprintf("dispute raised on-chain by %s", typed.Raiser.Hex()),
			TxHash:      typed.Raw.TxHash,
		}
	case *chain.DisputeResolved:
		return DisputeResolved{TxHash: typed.Raw.TxHash}
	}
	return ChainObserved{Event: ev}
}
