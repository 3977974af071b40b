package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHTTPOracleVerify(t *testing.T) {
	var seen Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/verify" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Verdict{Result: ResultApproved, Confidence: 0.92, Feedback: "matches the brief"})
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL+"/", "secret", time.Second)
	req := Request{SubmissionID: uuid.New(), Requirements: "responsive landing page", Deliverables: "https://example.com/preview"}
	verdict, err := oracle.VerifySubmission(context.Background(), req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verdict.Result != ResultApproved || verdict.Confidence != 0.92 {
		t.Fatalf("verdict: %+v", verdict)
	}
	if seen.SubmissionID != req.SubmissionID {
		t.Fatalf("request payload: %+v", seen)
	}
}

func TestHTTPOracleServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "", time.Second)
	_, err := oracle.VerifySubmission(context.Background(), Request{SubmissionID: uuid.New()})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want unavailable, got %v", err)
	}
}

func TestHTTPOracleRejectsMalformedVerdicts(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown result", `{"result":"maybe","confidence":0.5}`},
		{"confidence out of range", `{"result":"approved","confidence":1.4}`},
		{"not json", `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			oracle := NewHTTPOracle(srv.URL, "", time.Second)
			_, err := oracle.VerifySubmission(context.Background(), Request{})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrUnavailable) {
				t.Fatalf("malformed verdict misclassified as transient: %v", err)
			}
		})
	}
}

func TestHTTPOracleBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing deliverables", http.StatusBadRequest)
	}))
	defer srv.Close()
	oracle := NewHTTPOracle(srv.URL, "", time.Second)
	_, err := oracle.VerifySubmission(context.Background(), Request{})
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("want permanent error, got %v", err)
	}
}
