package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verdict results reported by the verification service.
const (
	ResultApproved  = "approved"
	ResultRejected  = "rejected"
	ResultUncertain = "uncertain"
)

// ErrUnavailable marks transient verification service failures; the worker
// leaves the submission pending and tries again next cycle.
var ErrUnavailable = errors.New("verify: service unavailable")

// Request carries everything the verification service scores a delivery
// against.
type Request struct {
	SubmissionID uuid.UUID `json:"submissionId"`
	Description  string    `json:"description"`
	Requirements string    `json:"requirements"`
	Deliverables string    `json:"deliverables"`
}

// Verdict is the verification service's assessment of one delivery.
type Verdict struct {
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
}

// Oracle scores a work submission against its milestone requirements.
type Oracle interface {
	VerifySubmission(ctx context.Context, req Request) (*Verdict, error)
}

// HTTPOracle calls an external verification service over HTTP.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPOracle constructs a client for the verification service endpoint.
func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// VerifySubmission implements Oracle.
func (o *HTTPOracle) VerifySubmission(ctx context.Context, req Request) (*Verdict, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var verdict Verdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("verify: decode response: %w", err)
	}
	switch verdict.Result {
	case ResultApproved, ResultRejected, ResultUncertain:
	default:
		return nil, fmt.Errorf("verify: unknown result %q", verdict.Result)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("verify: confidence %f out of range", verdict.Confidence)
	}
	return &verdict, nil
}
