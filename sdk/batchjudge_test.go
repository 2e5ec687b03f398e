package batchjudge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvaluations_CreateAndWait(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/evaluations":
			var req EvaluationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Language != "python3" || len(req.TestCases) != 1 {
				t.Errorf("unexpected request %+v", req)
			}
			if r.URL.Query().Get("sync") != "" {
				t.Error("Create must not ask for a sync evaluation")
			}
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"evaluation_id":"abc","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/evaluations/abc":
			if gets.Add(1) < 3 {
				w.Write([]byte(`{"evaluation_id":"abc","status":"running"}`))
				return
			}
			w.Write([]byte(`{"evaluation_id":"abc","status":"completed","results":[{"test_case_id":"1","passed":true}],"summary":{"total":1,"passed":1}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	ctx := context.Background()
	q, err := c.Evaluations.Create(ctx, EvaluationRequest{
		Language:   "python3",
		SourceCode: "def solve(): pass",
		TestCases:  []TestCase{{ID: "1"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.EvaluationID != "abc" || q.Status != "queued" {
		t.Fatalf("unexpected %+v", q)
	}

	ev, err := c.Evaluations.Wait(ctx, q.EvaluationID, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ev.Done() || ev.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", ev.Status)
	}
	if len(ev.Results) != 1 || !ev.Results[0].Passed || ev.Summary == nil || ev.Summary.Passed != 1 {
		t.Errorf("unexpected results %+v", ev)
	}
	if gets.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", gets.Load())
	}
}

func TestEvaluations_RunSendsSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sync") != "true" {
			t.Error("Run must ask for a sync evaluation")
		}
		w.Write([]byte(`{"evaluation_id":"x","results":[],"summary":{"total":0}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Evaluations.Run(context.Background(), EvaluationRequest{Language: "cpp"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EvaluationID != "x" {
		t.Errorf("unexpected %+v", res)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"python3: no entry point","kind":"synthesis"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Evaluations.Plan(context.Background(), EvaluationRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Kind != "synthesis" {
		t.Errorf("unexpected %+v", apiErr)
	}
	if apiErr.Error() != "batchjudge: HTTP 422 (synthesis): python3: no entry point" {
		t.Errorf("unexpected message %q", apiErr.Error())
	}
}

func TestAPIError_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Bad Gateway" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLanguages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"languages":["cpp","python3"]}`))
	}))
	defer srv.Close()

	langs, err := New(srv.URL).Languages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(langs) != 2 || langs[1] != "python3" {
		t.Errorf("unexpected %v", langs)
	}
}
