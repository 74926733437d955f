package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

func createExecution(t *testing.T, srv *testServer, procedure string) *model.Execution {
	t.Helper()
	e := &model.Execution{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Function:  "train",
		Backend:   "ndarray",
		Procedure: procedure,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateExecution(context.Background(), e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	return e
}

func advance(t *testing.T, srv *testServer, id string, statuses ...string) {
	t.Helper()
	for _, st := range statuses {
		if err := srv.store.UpdateExecutionStatus(context.Background(), id, st); err != nil {
			t.Fatalf("-> %s: %v", st, err)
		}
	}
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	e := createExecution(t, srv, model.ProcedureTraining)
	advance(t, srv, e.ID, model.StatusBuilding, model.StatusRunning, model.StatusSucceeded)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + e.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if len(got) < 2 || got[0] != "event: done" || got[1] != `data: {"status":"succeeded"}` {
		t.Errorf("stream = %q, want done event with final status", got)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)
	e := createExecution(t, srv, model.ProcedureTraining)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/executions/"+e.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The handler has subscribed once the headers are flushed.
	srv.broker.Publish(e.ID, "epoch 1 loss=0.9")
	srv.broker.Publish(e.ID, "epoch 2 loss=0.4")
	advance(t, srv, e.ID, model.StatusBuilding, model.StatusRunning, model.StatusFailed)
	srv.broker.Close(e.ID)

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	if len(events) != 3 {
		t.Fatalf("got %d data lines, want 3: %q", len(events), events)
	}

	want := []string{"epoch 1 loss=0.9", "epoch 2 loss=0.4"}
	if strings.Join(events[:2], "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", events[:2], want)
	}
	var done streamDone
	if err := json.Unmarshal([]byte(events[2]), &done); err != nil {
		t.Fatalf("decode done event: %v", err)
	}
	if done.Status != model.StatusFailed {
		t.Errorf("done status = %q, want %q (re-read after the stream closed)", done.Status, model.StatusFailed)
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)
	e := createExecution(t, srv, model.ProcedureInference)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/executions/"+e.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// A multi-line entry, such as a panic trace.
	srv.broker.Publish(e.ID, "panic: boom\n  at train.go:42\n  at main.go:10")
	srv.broker.Close(e.ID)

	// Consecutive "data:" lines form one event, separated by blank lines.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			break
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		} else if line == "" && len(current) > 0 {
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	want := "panic: boom\n  at train.go:42\n  at main.go:10"
	if events[0] != want {
		t.Errorf("event = %q, want %q", events[0], want)
	}
}

func TestLogHistory(t *testing.T) {
	srv := newTestServer(t)
	e := createExecution(t, srv, model.ProcedureTraining)
	for i, line := range []string{"building", "epoch 1", "done"} {
		if err := srv.store.InsertLogLine(context.Background(), e.ID, i+1, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + e.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ExecutionID != e.ID || body.Status != model.StatusPending {
		t.Errorf("history header = %q/%q, want %q/pending", body.ExecutionID, body.Status, e.ID)
	}
	if len(body.Lines) != 3 || body.Lines[1].Seq != 2 || body.Lines[1].Line != "epoch 1" {
		t.Errorf("lines = %+v", body.Lines)
	}

	resp, err = http.Get(ts.URL + "/v1/executions/missing/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", resp.StatusCode)
	}
}

func TestListAndGetExecutions(t *testing.T) {
	srv := newTestServer(t)
	var ids []string
	for range 3 {
		ids = append(ids, createExecution(t, srv, model.ProcedureTraining).ID)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listExecutionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 3 || len(list.Executions) != 2 || list.Limit != 2 {
		t.Errorf("list = total %d, len %d, limit %d; want 3, 2, 2", list.Total, len(list.Executions), list.Limit)
	}

	resp2, err := http.Get(ts.URL + "/v1/executions/" + ids[0])
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var got model.Execution
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ids[0] || got.Status != model.StatusPending {
		t.Errorf("execution = %+v", got)
	}
}
