package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/device"
	"github.com/koios/adb-invocation-server/internal/pipeline"
	"github.com/koios/adb-invocation-server/internal/sspro"
	"github.com/koios/adb-invocation-server/pkg/models"
)

type execRecorder struct {
	mu       sync.Mutex
	commands []string
	err      error
}

func (e *execRecorder) exec(_ context.Context, command string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	if e.err != nil {
		return []byte("device offline"), e.err
	}
	return nil, nil
}

type stubRunner struct {
	mu     sync.Mutex
	calls  [][]models.TemplateUpdate
	report *pipeline.Report
}

func (s *stubRunner) Run(_ context.Context, runID string, templates []models.TemplateUpdate) *pipeline.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, templates)
	if s.report != nil {
		s.report.RunID = runID
		return s.report
	}
	report := &pipeline.Report{RunID: runID}
	for _, t := range templates {
		report.Outcomes = append(report.Outcomes, pipeline.Outcome{Template: t, State: pipeline.StateDone})
	}
	return report
}

type stubRuns map[string]pipeline.JobEvent

func (s stubRuns) RunStates(_ context.Context, runID string) (map[string]pipeline.JobEvent, error) {
	out := map[string]pipeline.JobEvent{}
	for id, e := range s {
		if e.RunID == runID {
			out[id] = e
		}
	}
	return out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	capture := testCapture
	capture.PathPattern = filepath.Join(root, "captures", "{platform}", "{locale}", "{device}")
	return &config.Config{
		Capture: capture,
		Store: config.StoreConfig{
			AndroidOutputBasePath: filepath.Join(root, "out", "android"),
			IOSOutputBasePath:     filepath.Join(root, "out", "ios"),
			OutputFilePattern:     "{name}.png",
			Bucket:                "shots",
			BucketBasePath:        "{platform}/{locale}/{device}",
			PublicURL:             "https://storage.googleapis.com",
			APIEndpoint:           "http://localhost/{template_id}",
			APIKey:                "key",
		},
		Static: config.StaticConfig{URLPath: "/static", Dir: root},
	}
}

type testServer struct {
	router  http.Handler
	exec    *execRecorder
	runner  *stubRunner
	counter *pipeline.JobCounter
	cfg     *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig(t)
	rec := &execRecorder{}
	runner := &stubRunner{}
	counter := pipeline.NewJobCounter()
	logger := zap.NewNop()

	devices := NewDeviceHandler(device.NewRunner(models.DefaultCommandSet(), rec.exec, logger), cfg.Capture, logger)
	store := NewStoreHandler(runner, counter, stubRuns{"t1": {RunID: "run-1", TemplateID: "t1", State: pipeline.StateDone}}, cfg, logger)
	app := NewAppHandler(cfg.Static, nil, logger)

	return &testServer{
		router:  NewRouter(app, devices, store),
		exec:    rec,
		runner:  runner,
		counter: counter,
		cfg:     cfg,
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestStaticFiles(t *testing.T) {
	s := newTestServer(t)
	if err := os.WriteFile(filepath.Join(s.cfg.Static.Dir, "hello.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("Failed to write static file: %v", err)
	}
	w := s.do(http.MethodGet, "/static/hello.txt", "")
	if w.Code != http.StatusOK || w.Body.String() != "hi" {
		t.Errorf("Expected static file, got %d %q", w.Code, w.Body.String())
	}
}

func TestDeviceRoutes(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		command string
	}{
		{"location android", "/location/android", `{"lat":1.5,"lng":2}`, 200, "adb emu geo fix '2' '1.5'"},
		{"location ios", "/location/ios", `{"lat":1.5,"lng":2}`, 200, "xcrun simctl location booted set '1.5','2'"},
		{"permissions", "/permissions/ios", `{"perms":"photos=YES","bundleId":"com.example"}`, 200, "applesimutils --booted --bundle 'com.example' --setPermissions 'photos=YES'"},
		{"deeplink ios", "/deeplink/ios", `{"link":"app://home"}`, 200, "xcrun simctl openurl booted 'app://home'"},
		{"launch ios", "/launch-app/ios", `{"packageId":"com.example"}`, 200, "xcrun simctl launch booted 'com.example'"},
		{"permissions android unsupported", "/permissions/android", `{"perms":"x","bundleId":"y"}`, 400, ""},
		{"unknown platform", "/location/windows", `{"lat":1,"lng":2}`, 400, ""},
		{"missing lat", "/location/ios", `{"lng":2}`, 400, ""},
		{"bad json", "/deeplink/ios", `{`, 400, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.command == "" {
				if len(s.exec.commands) != 0 {
					t.Errorf("Expected no command, got %v", s.exec.commands)
				}
				return
			}
			if len(s.exec.commands) != 1 || s.exec.commands[0] != tt.command {
				t.Errorf("Expected command %q, got %v", tt.command, s.exec.commands)
			}
			if w.Body.Len() != 0 {
				t.Errorf("Expected empty body, got %q", w.Body.String())
			}
		})
	}
}

func TestScreenshot(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/screenshot/android", `{"locale":"en-US","name":"home"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	dir := filepath.Join(s.cfg.Static.Dir, "captures", "android", "en-US", "pixel_7")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Expected capture directory %s to exist", dir)
	}
	want := "adb exec-out screencap -p > '" + filepath.Join(dir, "home.png") + "'"
	if len(s.exec.commands) != 1 || s.exec.commands[0] != want {
		t.Errorf("Expected command %q, got %v", want, s.exec.commands)
	}
}

func TestScreenshot_RejectsTraversal(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"name escapes", `{"locale":"en-US","name":"../../../../../../tmp/escaped"}`},
		{"name is parent", `{"locale":"en-US","name":".."}`},
		{"backslash name", `{"locale":"en-US","name":"..\\escaped"}`},
		{"locale escapes", `{"locale":"../../etc","name":"home"}`},
		{"device escapes", `{"locale":"en-US","device":"../pixel","name":"home"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(http.MethodPost, "/screenshot/android", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			if len(s.exec.commands) != 0 {
				t.Errorf("Expected no device command, got %v", s.exec.commands)
			}
			if _, err := os.Stat(filepath.Join(s.cfg.Static.Dir, "captures")); !os.IsNotExist(err) {
				t.Errorf("Expected no capture directory to be created")
			}
		})
	}
}

func TestScreenshot_CommandFailure(t *testing.T) {
	s := newTestServer(t)
	s.exec.err = errors.New("exit status 1")

	w := s.do(http.MethodPost, "/screenshot/ios", `{"locale":"en-US","name":"home"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "exit status 1") {
		t.Errorf("Expected error text in body, got %q", w.Body.String())
	}
}

func TestStore_Success(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/store/screenshots", `[{"id":"t1","platform":"android","sequence":1,"locale":"en-US","screens":[]}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp StoreResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.RunID == "" || w.Header().Get("X-Request-ID") != resp.RunID {
		t.Errorf("Expected run id in body and header, got %q / %q", resp.RunID, w.Header().Get("X-Request-ID"))
	}
	if len(resp.Templates) != 1 || resp.Templates[0].State != pipeline.StateDone {
		t.Errorf("Unexpected templates: %+v", resp.Templates)
	}
	if got := s.runner.calls[0][0].Device; got != "pixel_7" {
		t.Errorf("Expected default device, got %q", got)
	}
}

func TestStore_Failure(t *testing.T) {
	s := newTestServer(t)
	s.runner.report = &pipeline.Report{
		UploadErr: errors.New("uploading images for android/en-US/pixel: denied"),
		Outcomes: []pipeline.Outcome{{
			Template: models.TemplateUpdate{ID: "t1", Platform: models.PlatformAndroid},
			State:    pipeline.StateFailed,
			Err:      errors.New("denied"),
		}},
	}

	w := s.do(http.MethodPost, "/store/screenshots", `[{"id":"t1","platform":"android","locale":"en-US"}]`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	var resp StoreResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !strings.Contains(resp.Message, "denied") {
		t.Errorf("Expected failure message, got %q", resp.Message)
	}
	if resp.Templates[0].Error != "denied" {
		t.Errorf("Expected template error, got %q", resp.Templates[0].Error)
	}
}

func TestStore_ValidationError(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/store/screenshots", `[{"platform":"android","locale":"en-US"}]`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
	if len(s.runner.calls) != 0 {
		t.Error("Pipeline should not run for invalid templates")
	}
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/store/screenshots", `[{"id":"t1","platform":"android","locale":"en-US","outDir":"../../../../etc"}]`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp StoreResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Field != "[0].outDir" || resp.Errors[0].Code != "invalid_path" {
		t.Errorf("Unexpected errors: %+v", resp.Errors)
	}
	if len(s.runner.calls) != 0 {
		t.Error("Pipeline should not run for invalid templates")
	}
}

func TestStore_MissingConfig(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Store.APIKey = ""

	w := s.do(http.MethodPost, "/store/screenshots", `[{"id":"t1","platform":"ios","locale":"en-US"}]`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "SSPRO_API_KEY") {
		t.Errorf("Expected missing key in message, got %q", w.Body.String())
	}
}

func TestStoreRun(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodGet, "/store/screenshots/runs/run-1", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := s.do(http.MethodGet, "/store/screenshots/runs/other", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

type blockingRenderer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRenderer) Create(context.Context, models.TemplateUpdate, []models.Modification) (*sspro.CreateResponse, error) {
	close(b.started)
	<-b.release
	return &sspro.CreateResponse{ID: "r1"}, nil
}

type nopUploader struct{}

func (nopUploader) Upload(context.Context, string, string, string) (int, error) { return 0, nil }

func TestStoreStatus_ActiveDuringGeneration(t *testing.T) {
	cfg := testConfig(t)
	logger := zap.NewNop()
	counter := pipeline.NewJobCounter()
	renderer := &blockingRenderer{started: make(chan struct{}), release: make(chan struct{})}
	bucket := pipeline.BucketLocation{PublicURL: cfg.Store.PublicURL, Bucket: cfg.Store.Bucket, BasePath: cfg.Store.BucketBasePath}
	fetcher := pipeline.NewFetcher(nil, pipeline.OutputConfig{}, logger)
	submitter := pipeline.NewSubmitter(counter, renderer, fetcher, bucket, logger)
	service := pipeline.NewService(nopUploader{}, submitter, bucket, cfg.Capture.PathPattern, logger)

	router := NewRouter(
		NewAppHandler(config.StaticConfig{}, nil, logger),
		NewDeviceHandler(device.NewRunner(models.DefaultCommandSet(), (&execRecorder{}).exec, logger), cfg.Capture, logger),
		NewStoreHandler(service, counter, nil, cfg, logger),
	)
	server := httptest.NewServer(router)
	defer server.Close()

	active := func() int64 {
		resp, err := http.Get(server.URL + "/store/screenshots/status")
		if err != nil {
			t.Fatalf("Status request failed: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]int64
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode status: %v", err)
		}
		return body["active"]
	}

	if got := active(); got != 0 {
		t.Fatalf("Expected 0 active jobs before generation, got %d", got)
	}

	done := make(chan int)
	go func() {
		resp, err := http.Post(server.URL+"/store/screenshots", "application/json",
			bytes.NewBufferString(`[{"id":"t1","platform":"ios","sequence":1,"locale":"en-US"}]`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-renderer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Rendering request never started")
	}
	if got := active(); got != 1 {
		t.Errorf("Expected 1 active job during generation, got %d", got)
	}

	close(renderer.release)
	if status := <-done; status != http.StatusOK {
		t.Errorf("Expected store status 200, got %d", status)
	}
	if got := active(); got != 0 {
		t.Errorf("Expected 0 active jobs after generation, got %d", got)
	}
}
