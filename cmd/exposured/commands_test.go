package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/genexuslabs/ExposureNotifications/internal/exposure"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useTestClient routes commands through ts for the duration of the test.
func useTestClient(t *testing.T, ts *testServer) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

var ctx = context.Background()

func TestDetectCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /detect": `{"job_id":"job-1","status":"queued"}`,
	})
	useTestClient(t, ts)

	if err := execute(t, "detect"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/detect" {
		t.Errorf("request = %s %s, want POST /detect", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestIntervalCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /properties/min-interval": `{"minutes":120}`,
	})
	useTestClient(t, ts)

	if err := execute(t, "interval", "120"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]int
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["minutes"] != 120 {
		t.Errorf("body.minutes = %d, want 120", body["minutes"])
	}
}

func TestIntervalCommand_NotANumber(t *testing.T) {
	err := execute(t, "interval", "soon")
	if err == nil {
		t.Fatal("expected error for non-numeric interval")
	}
	if !strings.Contains(err.Error(), "must be a number") {
		t.Errorf("error = %q, want it to mention 'must be a number'", err.Error())
	}
}

func TestIntervalCommand_ServerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"detection interval must be greater than 16 minutes: got 10","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)
	useTestClient(t, &testServer{server: srv})

	err := execute(t, "interval", "10")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "greater than 16 minutes") {
		t.Errorf("error = %q, want the server message", err.Error())
	}
}

func TestEnableCommand_WithConfig(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /start": `{"started":true}`,
	})
	useTestClient(t, ts)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"minimumRiskScore":1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "enable", "--config", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body struct {
		Configuration map[string]any `json:"configuration"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Configuration["minimumRiskScore"] != float64(1) {
		t.Errorf("configuration = %v, want the file's object", body.Configuration)
	}
}

func TestResetCommand_RequiresConfirm(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /reset": `{"reset":true}`,
	})
	useTestClient(t, ts)

	if err := execute(t, "reset"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no request without --confirm, got %d", len(ts.requests))
	}
}

func TestResultRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /exposure/result": `{"id":"tok-1","matched_key_count":3,"maximum_risk_score":8,"last_exposure_date":"2020-08-07"}`,
	})

	resp, err := ts.client().get(ctx, "/exposure/result")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result exposure.SessionResult
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.ID != "tok-1" || result.MatchedKeyCount != 3 || result.LastExposureDate != "2020-08-07" {
		t.Errorf("result = %+v", result)
	}
}

func TestEventsRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /events": `[{"id":"e1","object":"ExposureAlerts.ExposureNotification","event":"OnExposureDetected","token":"tok","fired_at":"2020-08-10T12:00:00Z"}]`,
	})
	useTestClient(t, ts)

	if err := execute(t, "events", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/events?limit=5" {
		t.Errorf("path = %q, want /events?limit=5", ts.requests[0].Path)
	}
}

func TestJobsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs":        `[{"id":"p1","name":"ProvideDiagnosisKeysWorker","type":"provide_keys","periodic":true,"interval_minutes":1440,"status":"pending","attempts":0,"run_after":"2020-08-10T12:00:00Z"}]`,
		"GET /jobs/job-42": `{"id":"job-42","type":"provide_keys","status":"failed","attempts":1,"run_after":"2020-08-10T12:00:00Z","last_error":"engine timeout"}`,
	})
	useTestClient(t, ts)

	if err := execute(t, "jobs"); err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if err := execute(t, "jobs", "job-42"); err != nil {
		t.Fatalf("jobs job-42: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Path != "/jobs" || ts.requests[1].Path != "/jobs/job-42" {
		t.Errorf("paths = %q, %q", ts.requests[0].Path, ts.requests[1].Path)
	}

	if err := execute(t, "jobs", "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorRed, "hello")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorRed, "hello")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /properties": `{"is_available":true}`,
	})

	resp, err := ts.client().get(ctx, "/properties")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var props exposure.Properties
	if err := decodeJSON(resp, &props); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !props.IsAvailable {
		t.Error("is_available = false, want true")
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain 404", err.Error())
	}
	if !strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "{") {
		t.Errorf("error = %q, want the envelope message only", err.Error())
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug": "DEBUG",
		"warn":  "WARN",
		"error": "ERROR",
		"info":  "INFO",
		"bogus": "INFO",
	}
	for in, want := range tests {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
