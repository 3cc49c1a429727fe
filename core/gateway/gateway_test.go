package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	wf "github.com/poer2023/chusea-workflow/core/workflow"
)

type passExecutor struct{}

func (passExecutor) Execute(_ context.Context, step wf.Step, _ wf.ExecContext) wf.Outcome {
	return wf.Outcome{Content: "generated " + string(step), Metrics: wf.QualityMetrics{}, PassedGate: true}
}

type failExecutor struct{}

func (failExecutor) Execute(_ context.Context, step wf.Step, _ wf.ExecContext) wf.Outcome {
	return wf.Outcome{Content: "weak", Metrics: wf.QualityMetrics{"readability": 10}, PassedGate: false}
}

func testEngineConfig() wf.Config {
	return wf.Config{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
}

func newTestServer(t *testing.T, exec wf.Executor) (*Server, *httptest.Server, *wf.Controller) {
	t.Helper()
	ctrl, err := wf.NewController(wf.NewMemoryStore(), nil, exec, testEngineConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	s := NewServer(ctrl, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
		ctrl.Close()
	})
	return s, srv, ctrl
}

func startWorkflow(t *testing.T, srv *httptest.Server, kind string) wf.Snapshot {
	t.Helper()
	body, _ := json.Marshal(wf.StartRequest{DocumentID: "doc-1", Kind: kind, DocumentText: "text", UserPrompt: "improve"})
	resp, err := http.Post(srv.URL+"/api/v1/workflows", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST workflows: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var snap wf.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("snapshot missing id")
	}
	return snap
}

func getSnapshot(t *testing.T, srv *httptest.Server, id string) (wf.Snapshot, int) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/v1/workflows/" + id)
	if err != nil {
		t.Fatalf("GET workflow: %v", err)
	}
	defer resp.Body.Close()
	var snap wf.Snapshot
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
	}
	return snap, resp.StatusCode
}

func waitStatus(t *testing.T, srv *httptest.Server, id string, want wf.Status) wf.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, code := getSnapshot(t, srv, id)
		if code == http.StatusOK && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached %s", id, want)
	return wf.Snapshot{}
}

func TestGatewayStartAndComplete(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	snap := startWorkflow(t, srv, "blog")
	final := waitStatus(t, srv, snap.ID, wf.StatusCompleted)
	if final.OverallProgress != 1 {
		t.Fatalf("progress = %v, want 1", final.OverallProgress)
	}
	if final.CurrentStep != wf.StepDone {
		t.Fatalf("current step = %s, want done", final.CurrentStep)
	}
}

func TestGatewayStartRejectsBadRequests(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	resp, err := http.Post(srv.URL+"/api/v1/workflows", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json: status = %d, want 400", resp.StatusCode)
	}

	body, _ := json.Marshal(wf.StartRequest{DocumentID: "doc", Kind: "novel"})
	resp, err = http.Post(srv.URL+"/api/v1/workflows", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown kind: status = %d, want 400", resp.StatusCode)
	}
}

func TestGatewayUnknownInstanceIs404(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	if _, code := getSnapshot(t, srv, "missing"); code != http.StatusNotFound {
		t.Fatalf("GET missing: status = %d, want 404", code)
	}
	resp, err := http.Post(srv.URL+"/api/v1/workflows/missing/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pause missing: status = %d, want 404", resp.StatusCode)
	}
}

func TestGatewayIllegalTransitionIs409(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	snap := startWorkflow(t, srv, "blog")
	waitStatus(t, srv, snap.ID, wf.StatusCompleted)

	resp, err := http.Post(srv.URL+"/api/v1/workflows/"+snap.ID+"/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pause completed run: status = %d, want 409", resp.StatusCode)
	}
}

func TestGatewayRetryAfterFailure(t *testing.T) {
	_, srv, _ := newTestServer(t, failExecutor{})

	snap := startWorkflow(t, srv, "blog")
	failed := waitStatus(t, srv, snap.ID, wf.StatusFailed)
	if failed.LastError == nil || failed.LastError.Cause != wf.CauseQuality {
		t.Fatalf("last error = %+v, want quality failure", failed.LastError)
	}

	// The executor still fails, so a manual retry burns its budget again and
	// lands back in failed; the command itself must be accepted.
	resp, err := http.Post(srv.URL+"/api/v1/workflows/"+snap.ID+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("POST retry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry failed run: status = %d, want 200", resp.StatusCode)
	}
	waitStatus(t, srv, snap.ID, wf.StatusFailed)
}

func TestGatewayGoToValidation(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	snap := startWorkflow(t, srv, "blog")
	waitStatus(t, srv, snap.ID, wf.StatusCompleted)

	resp, err := http.Post(srv.URL+"/api/v1/workflows/"+snap.ID+"/goto", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST goto: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("goto without step: status = %d, want 400", resp.StatusCode)
	}

	body := `{"step":"draft"}`
	resp, err = http.Post(srv.URL+"/api/v1/workflows/"+snap.ID+"/goto", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST goto: %v", err)
	}
	var got wf.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || got.CurrentStep != wf.StepDraft {
		t.Fatalf("goto draft: status=%d step=%s", resp.StatusCode, got.CurrentStep)
	}
	if got.Status != wf.StatusCompleted {
		t.Fatalf("goto changed status to %s", got.Status)
	}
}

func TestGatewayTimelineEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	snap := startWorkflow(t, srv, "blog")
	waitStatus(t, srv, snap.ID, wf.StatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/api/v1/workflows/" + snap.ID + "/timeline")
		if err != nil {
			t.Fatalf("GET timeline: %v", err)
		}
		var payload struct {
			Events []wf.TimelineEvent `json:"events"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode timeline: %v", err)
		}
		resp.Body.Close()
		if n := len(payload.Events); n > 0 && payload.Events[n-1].Status == wf.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeline never recorded the completed transition")
}

func TestGatewayDeleteWorkflow(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	snap := startWorkflow(t, srv, "blog")
	waitStatus(t, srv, snap.ID, wf.StatusCompleted)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/workflows/"+snap.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", resp.StatusCode)
	}
	if _, code := getSnapshot(t, srv, snap.ID); code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", code)
	}
}

func TestGatewayCORSPreflight(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/workflows", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestGatewayStreamBroadcastsTransitions(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	snap := startWorkflow(t, srv, "blog")

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ws read: %v", err)
		}
		var got wf.Snapshot
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("ws payload: %v", err)
		}
		if got.ID != snap.ID {
			continue
		}
		if got.Status == wf.StatusCompleted {
			return
		}
	}
}

func TestGatewayHealthAndStatus(t *testing.T) {
	_, srv, _ := newTestServer(t, passExecutor{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if payload["status"] != "ok" {
		t.Fatalf("status payload = %v", payload)
	}
}
