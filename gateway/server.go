package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"gigchain/ledger"
	"gigchain/recon"
	"gigchain/settlement"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Server exposes the settlement core over HTTP. On-chain operations accept a
// transaction hash and block until the reconciliation engine confirms and
// applies it or rejects it with a taxonomy code.
type Server struct {
	store     *settlement.Store
	events    *ledger.Ledger
	engine    *recon.Engine
	obs       *Observability
	logger    *slog.Logger
	db        *gorm.DB
	exportDir string
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Store     *settlement.Store
	Ledger    *ledger.Ledger
	Engine    *recon.Engine
	Logger    *slog.Logger
	DB        *gorm.DB
	ExportDir string
}

// NewServer constructs the HTTP surface.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exportDir := cfg.ExportDir
	if exportDir == "" {
		exportDir = "exports"
	}
	return &Server{
		store:     cfg.Store,
		events:    cfg.Ledger,
		engine:    cfg.Engine,
		obs:       NewObservability("settlerd", logger),
		logger:    logger,
		db:        cfg.DB,
		exportDir: exportDir,
	}
}

// Router assembles all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.obs.registry},
		promhttp.HandlerOpts{},
	))

	r.Route("/v1", func(r chi.Router) {
		r.With(s.traced("create_project")).Post("/projects", s.handleCreateProject)
		r.With(s.traced("get_project")).Get("/projects/{projectID}", s.handleGetProject)
		r.With(s.traced("fund_project"), s.idempotent).Post("/projects/{projectID}/fund", s.handleFundProject)
		r.With(s.traced("add_milestone")).Post("/projects/{projectID}/milestones", s.handleAddMilestone)
		r.With(s.traced("cancel_project"), s.idempotent).Post("/projects/{projectID}/cancel", s.handleCancelProject)
		r.With(s.traced("project_history")).Get("/projects/{projectID}/history", s.handleHistory)
		r.With(s.traced("project_payments")).Get("/projects/{projectID}/payments", s.handlePayments)
		r.With(s.traced("project_export")).Post("/projects/{projectID}/export", s.handleExport)

		r.With(s.traced("fund_milestone"), s.idempotent).Post("/milestones/{milestoneID}/fund", s.handleFundMilestone)
		r.With(s.traced("start_milestone"), s.idempotent).Post("/milestones/{milestoneID}/start", s.handleStartMilestone)
		r.With(s.traced("submit_milestone"), s.idempotent).Post("/milestones/{milestoneID}/submit", s.handleSubmitForReview)
		r.With(s.traced("approve_milestone"), s.idempotent).Post("/milestones/{milestoneID}/approve", s.handleApproveMilestone)
		r.With(s.traced("raise_dispute"), s.idempotent).Post("/milestones/{milestoneID}/dispute", s.handleRaiseDispute)
		r.With(s.traced("resolve_dispute"), s.idempotent).Post("/milestones/{milestoneID}/resolve-dispute", s.handleResolveDispute)
		r.With(s.traced("create_submission")).Post("/milestones/{milestoneID}/submissions", s.handleCreateSubmission)

		r.With(s.traced("review_submission")).Post("/submissions/{submissionID}/review", s.handleReviewSubmission)

		r.With(s.traced("get_dispute")).Get("/disputes/{disputeID}", s.handleGetDispute)
		r.With(s.traced("dispute_message")).Post("/disputes/{disputeID}/messages", s.handleDisputeMessage)

		r.With(s.traced("list_alerts")).Get("/alerts", s.handleListAlerts)
		r.With(s.traced("ack_alert")).Post("/alerts/{alertID}/ack", s.handleAckAlert)
	})
	return r
}

func (s *Server) traced(route string) func(http.Handler) http.Handler {
	return s.obs.Middleware(route)
}

func (s *Server) idempotent(next http.Handler) http.Handler {
	return WithIdempotency(s.db, next)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createProjectRequest struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	EmployerID   uuid.UUID  `json:"employerId"`
	FreelancerID *uuid.UUID `json:"freelancerId,omitempty"`
	Budget       string     `json:"budget"`
	Currency     string     `json:"currency"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Category     string     `json:"category"`
	Tags         []string   `json:"tags,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.EmployerID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "title and employerId are required")
		return
	}
	project := &settlement.Project{
		Title:        req.Title,
		Description:  req.Description,
		EmployerID:   req.EmployerID,
		FreelancerID: req.FreelancerID,
		Budget:       req.Budget,
		Currency:     req.Currency,
		Deadline:     req.Deadline,
		Category:     req.Category,
		Tags:         strings.Join(req.Tags, ","),
	}
	if project.Currency == "" {
		project.Currency = "ETH"
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := s.store.ProjectByID(r.Context(), projectID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	milestones, err := s.store.MilestonesByProject(r.Context(), projectID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	project.Milestones = milestones
	writeJSON(w, http.StatusOK, project)
}

type addMilestoneRequest struct {
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	Amount               string     `json:"amount"`
	DueDate              *time.Time `json:"dueDate,omitempty"`
	RequiredDeliverables string     `json:"requiredDeliverables"`
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	var req addMilestoneRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	milestone := &settlement.Milestone{
		ProjectID:            projectID,
		Title:                req.Title,
		Description:          req.Description,
		Amount:               req.Amount,
		DueDate:              req.DueDate,
		RequiredDeliverables: req.RequiredDeliverables,
	}
	if err := s.store.AddMilestone(r.Context(), milestone); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, milestone)
}

type txRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleFundProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	txHash, ok := parseTx(w, r)
	if !ok {
		return
	}
	s.applyEffect(w, r, recon.ProjectFunded{ProjectID: projectID, TxHash: txHash})
}

func (s *Server) handleFundMilestone(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	txHash, ok := parseTx(w, r)
	if !ok {
		return
	}
	s.applyEffect(w, r, recon.MilestoneFunded{MilestoneID: milestoneID, TxHash: txHash})
}

func (s *Server) handleStartMilestone(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	txHash, ok := parseTx(w, r)
	if !ok {
		return
	}
	s.applyEffect(w, r, recon.MilestoneStarted{MilestoneID: milestoneID, TxHash: txHash})
}

func (s *Server) handleSubmitForReview(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	txHash, ok := parseTx(w, r)
	if !ok {
		return
	}
	s.applyEffect(w, r, recon.SubmittedForReview{MilestoneID: milestoneID, TxHash: txHash})
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	txHash, ok := parseTx(w, r)
	if !ok {
		return
	}
	s.applyEffect(w, r, recon.MilestoneApproved{MilestoneID: milestoneID, TxHash: txHash})
}

type cancelProjectRequest struct {
	CancelledBy uuid.UUID `json:"cancelledBy"`
	Reason      string    `json:"reason"`
}

func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	var req cancelProjectRequest
	if !decode(w, r, &req) {
		return
	}
	s.applyEffect(w, r, recon.ProjectCancelled{
		ProjectID:   projectID,
		CancelledBy: req.CancelledBy,
		Reason:      req.Reason,
	})
}

type raiseDisputeRequest struct {
	TxHash      string    `json:"txHash"`
	RaiserID    uuid.UUID `json:"raiserId"`
	Reason      string    `json:"reason"`
	Description string    `json:"description"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	if !txHashPattern.MatchString(req.TxHash) {
		writeError(w, http.StatusBadRequest, "txHash must be a 0x-prefixed 32-byte hex string")
		return
	}
	if req.RaiserID == uuid.Nil || strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "raiserId and reason are required")
		return
	}
	s.applyEffect(w, r, recon.DisputeRaised{
		MilestoneID: milestoneID,
		RaiserID:    req.RaiserID,
		Reason:      req.Reason,
		Description: req.Description,
		TxHash:      common.HexToHash(req.TxHash),
	})
}

type resolveDisputeRequest struct {
	TxHash     string    `json:"txHash"`
	ResolvedBy uuid.UUID `json:"resolvedBy"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	if !txHashPattern.MatchString(req.TxHash) {
		writeError(w, http.StatusBadRequest, "txHash must be a 0x-prefixed 32-byte hex string")
		return
	}
	s.applyEffect(w, r, recon.DisputeResolved{
		MilestoneID: milestoneID,
		ResolvedBy:  req.ResolvedBy,
		TxHash:      common.HexToHash(req.TxHash),
	})
}

type createSubmissionRequest struct {
	FreelancerID uuid.UUID `json:"freelancerId"`
	Description  string    `json:"description"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	milestoneID, ok := pathUUID(w, r, "milestoneID")
	if !ok {
		return
	}
	var req createSubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FreelancerID == uuid.Nil || strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "freelancerId and description are required")
		return
	}
	s.applyEffect(w, r, recon.WorkSubmissionCreated{
		SubmissionID: uuid.New(),
		MilestoneID:  milestoneID,
		FreelancerID: req.FreelancerID,
		Description:  req.Description,
	})
}

type reviewSubmissionRequest struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleReviewSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := pathUUID(w, r, "submissionID")
	if !ok {
		return
	}
	var req reviewSubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	verdict := settlement.SubmissionStatus(req.Verdict)
	switch verdict {
	case settlement.SubmissionApproved, settlement.SubmissionRejected, settlement.SubmissionRevisionRequested:
	default:
		writeError(w, http.StatusBadRequest, "verdict must be approved, rejected, or revision-requested")
		return
	}
	s.applyEffect(w, r, recon.SubmissionReviewed{
		SubmissionID: submissionID,
		Verdict:      verdict,
		Feedback:     req.Feedback,
	})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	dispute, err := s.store.DisputeByID(r.Context(), disputeID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dispute)
}

type disputeMessageRequest struct {
	UserID  uuid.UUID `json:"userId"`
	Message string    `json:"message"`
}

func (s *Server) handleDisputeMessage(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	var req disputeMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "userId and message are required")
		return
	}
	if _, err := s.store.DisputeByID(r.Context(), disputeID); err != nil {
		s.writeFailure(w, err)
		return
	}
	msg := &settlement.DisputeMessage{
		DisputeID: disputeID,
		UserID:    req.UserID,
		Message:   req.Message,
	}
	if err := s.store.AppendDisputeMessage(r.Context(), msg); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// historyEntry is one event in a project's reconstructed timeline.
type historyEntry struct {
	Event            string            `json:"event"`
	TxHash           string            `json:"txHash"`
	LogIndex         uint              `json:"logIndex"`
	BlockNumber      uint64            `json:"blockNumber"`
	ChainMilestoneID *uint64           `json:"chainMilestoneId,omitempty"`
	Description      string            `json:"description,omitempty"`
	Amount           string            `json:"amount,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	ObservedAt       time.Time         `json:"observedAt"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	_, chainID, ok := s.chainProject(w, r)
	if !ok {
		return
	}
	records, err := s.events.ProjectHistory(r.Context(), chainID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entry := historyEntry{
			Event:            rec.EventName,
			TxHash:           rec.TxHash,
			LogIndex:         rec.LogIndex,
			BlockNumber:      rec.BlockNumber,
			ChainMilestoneID: rec.ChainMilestoneID,
			Description:      rec.Description,
			Amount:           rec.Amount,
			ObservedAt:       rec.ObservedAt,
		}
		if rec.Attributes != "" {
			_ = json.Unmarshal([]byte(rec.Attributes), &entry.Attributes)
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chainProjectId": chainID,
		"events":         entries,
	})
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return
	}
	if _, err := s.store.ProjectByID(r.Context(), projectID); err != nil {
		s.writeFailure(w, err)
		return
	}
	payments, err := s.store.PaymentsByProject(r.Context(), projectID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	_, chainID, ok := s.chainProject(w, r)
	if !ok {
		return
	}
	files, err := s.events.Export(r.Context(), chainID, s.exportDir)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.OpenAlerts(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "alertID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "alertID must be numeric")
		return
	}
	if err := s.store.AcknowledgeAlert(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// chainProject resolves a project path param to its on-chain identifier.
func (s *Server) chainProject(w http.ResponseWriter, r *http.Request) (*settlement.Project, uint64, bool) {
	projectID, ok := pathUUID(w, r, "projectID")
	if !ok {
		return nil, 0, false
	}
	project, err := s.store.ProjectByID(r.Context(), projectID)
	if err != nil {
		s.writeFailure(w, err)
		return nil, 0, false
	}
	if project.ChainProjectID == nil {
		writeError(w, http.StatusConflict, "project has no confirmed on-chain funding yet")
		return nil, 0, false
	}
	return project, *project.ChainProjectID, true
}

// applyEffect runs one effect through the engine and maps the outcome onto
// HTTP semantics.
func (s *Server) applyEffect(w http.ResponseWriter, r *http.Request, effect recon.Effect) {
	result, err := s.engine.Apply(r.Context(), effect)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeFailure maps the rejection taxonomy onto status codes. Transient
// conditions use retry-flavoured codes so clients can tell them apart from
// permanent refusals.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	if rejection, ok := recon.AsRejection(err); ok {
		status := http.StatusInternalServerError
		switch rejection.Code {
		case recon.CodeChainUnavailable:
			status = http.StatusServiceUnavailable
		case recon.CodeTransactionNotConfirmed:
			status = http.StatusAccepted
		case recon.CodeTransactionFailed:
			status = http.StatusUnprocessableEntity
		case recon.CodeEventNotFound:
			status = http.StatusBadRequest
		case recon.CodeNotFound:
			status = http.StatusNotFound
		case recon.CodePreconditionNotMet, recon.CodeInvalidStateTransition:
			status = http.StatusConflict
		case recon.CodeMilestoneLocked:
			status = http.StatusLocked
		}
		writeJSON(w, status, map[string]any{
			"code":      rejection.Code,
			"message":   rejection.Message,
			"attempted": rejection.Attempted,
			"actual":    rejection.Actual,
			"retryable": rejection.Code.Retryable(),
		})
		return
	}
	switch {
	case errors.Is(err, settlement.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, settlement.ErrProtectedHistory):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTx(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	var req txRequest
	if !decode(w, r, &req) {
		return common.Hash{}, false
	}
	if !txHashPattern.MatchString(req.TxHash) {
		writeError(w, http.StatusBadRequest, "txHash must be a 0x-prefixed 32-byte hex string")
		return common.Hash{}, false
	}
	return common.HexToHash(req.TxHash), true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
