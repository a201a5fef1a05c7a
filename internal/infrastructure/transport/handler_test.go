package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pipelineops/app/usecase"
	"pipelineops/internal/domain/entity"
	"pipelineops/internal/infrastructure/events"
	"pipelineops/internal/infrastructure/store/filesystem"
	"pipelineops/internal/infrastructure/store/memory"
)

type fakeApplier struct {
	names [][]string
	run   *entity.ApplyRun
	err   error
}

func (f *fakeApplier) Apply(ctx context.Context, names []string) (string, error) {
	run, err := f.Run(ctx, names)
	if err != nil {
		return "", err
	}
	return run.Output, nil
}

func (f *fakeApplier) Run(ctx context.Context, names []string) (*entity.ApplyRun, error) {
	f.names = append(f.names, names)
	return f.run, f.err
}

type fakeSync struct {
	names    []string
	outcomes []entity.SyncOutcome
	err      error
}

func (f *fakeSync) Sync(ctx context.Context, names []string) ([]entity.SyncOutcome, error) {
	f.names = names
	return f.outcomes, f.err
}

type fixture struct {
	server  *httptest.Server
	store   *filesystem.PipelineRepository
	applier *fakeApplier
	runs    *memory.ApplyRunRepo
	hub     *events.Hub
}

func newFixture(t *testing.T, sync usecase.SyncUseCase) *fixture {
	t.Helper()
	store, err := filesystem.NewPipelineRepository(filepath.Join(t.TempDir(), "pipelines"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f := &fixture{
		store:   store,
		applier: &fakeApplier{},
		runs:    memory.NewApplyRunRepo(),
		hub:     events.NewHub(),
	}
	h := NewPipelineHandler(
		usecase.NewPipelineService(store),
		f.applier,
		sync,
		usecase.NewApplyRunService(f.runs),
		f.hub,
		[]string{"d1", "d2"},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp, data
}

func TestPutThenGetPipelines(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPut, "/pipelines/a", `{"name":"a","filter":"f1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ack map[string]string
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack["status"] != "updated" || ack["name"] != "a" {
		t.Fatalf("unexpected ack %v", ack)
	}

	resp, body = f.do(t, http.MethodGet, "/pipelines", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var all map[string]map[string]interface{}
	if err := json.Unmarshal(body, &all); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 || all["a"]["name"] != "a" || all["a"]["filter"] != "f1" {
		t.Fatalf("unexpected listing %s", body)
	}

	resp, body = f.do(t, http.MethodGet, "/pipelines/a", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"filter":"f1"`) {
		t.Fatalf("unexpected single get %d %s", resp.StatusCode, body)
	}
}

func TestPutPipelineValidation(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		path string
		body string
	}{
		{"/pipelines/a", `{`},
		{"/pipelines/a", `{"filter":"f"}`},
		{"/pipelines/a", `{"name":"a","filter":123}`},
		{"/pipelines/a", `{"name":"a"}`},
		{"/pipelines/.hidden", `{"name":".hidden","filter":"f"}`},
	}
	for _, tc := range cases {
		resp, body := f.do(t, http.MethodPut, tc.path, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s: expected 400, got %d", tc.path, tc.body, resp.StatusCode)
		}
		if !strings.Contains(string(body), `"error"`) {
			t.Errorf("expected error body, got %s", body)
		}
	}
}

func TestPutPipelineBodyNameMismatchStoresUnderPath(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPut, "/pipelines/a", `{"name":"b","filter":"f2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodGet, "/pipelines", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var all map[string]map[string]interface{}
	if err := json.Unmarshal(body, &all); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 || all["a"]["name"] != "b" || all["a"]["filter"] != "f2" {
		t.Fatalf("unexpected listing %s", body)
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/pipelines/ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestApplyParsesTargetsAndReturnsOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.run = &entity.ApplyRun{ID: "run-1", Output: "Apply complete!"}

	resp, body := f.do(t, http.MethodPost, "/apply?pipelines=%20a%20,,b,", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderApplyRunID) != "run-1" {
		t.Errorf("missing run id header")
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["output"] != "Apply complete!" {
		t.Fatalf("unexpected output %v", out)
	}
	got := f.applier.names[0]
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected targets %v", got)
	}

	f.do(t, http.MethodPost, "/apply", "")
	if len(f.applier.names[1]) != 0 {
		t.Fatalf("expected whole-stack apply, got %v", f.applier.names[1])
	}
}

func TestApplyFailureReturnsStderrVerbatim(t *testing.T) {
	f := newFixture(t, nil)
	stderr := "Error: Invalid target address\n  on main.tf line 3:\n"
	f.applier.run = &entity.ApplyRun{ID: "run-2"}
	f.applier.err = &entity.ApplyError{ExitCode: 1, Stderr: stderr}

	resp, body := f.do(t, http.MethodPost, "/apply?pipelines=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["error"] != stderr {
		t.Fatalf("expected stderr verbatim, got %q", out["error"])
	}
	if resp.Header.Get(HeaderApplyRunID) != "run-2" {
		t.Errorf("missing run id header on failure")
	}
}

func TestApplyErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{entity.ErrNotFound, http.StatusNotFound},
		{entity.ErrInvalidName, http.StatusBadRequest},
		{entity.ErrTargetNotManaged, http.StatusConflict},
		{entity.ErrApplyTimeout, http.StatusGatewayTimeout},
		{errors.New("exec: terraform not found"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.applier.err = tc.err
		resp, _ := f.do(t, http.MethodPost, "/apply?pipelines=x", "")
		if resp.StatusCode != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, resp.StatusCode)
		}
	}
}

func TestSyncEndpoint(t *testing.T) {
	s := &fakeSync{outcomes: []entity.SyncOutcome{
		entity.Synced("d1"),
		entity.Skipped("d2", entity.ReasonNotFoundRemotely),
		entity.Failed("d3", &entity.ProviderError{StatusCode: 500, Body: "boom"}),
	}}
	f := newFixture(t, s)

	resp, body := f.do(t, http.MethodPost, "/sync", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if len(s.names) != 2 || s.names[0] != "d1" {
		t.Fatalf("expected defaults, got %v", s.names)
	}
	var out syncResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Failed || len(out.Outcomes) != 3 {
		t.Fatalf("unexpected response %s", body)
	}
	if out.Outcomes[1].Reason != entity.ReasonNotFoundRemotely || out.Outcomes[2].Error == "" {
		t.Fatalf("unexpected outcomes %s", body)
	}
}

func TestSyncErrors(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/sync", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without credentials, got %d", resp.StatusCode)
	}

	f = newFixture(t, &fakeSync{err: &entity.ProviderError{StatusCode: 403, Body: "forbidden"}})
	resp, _ = f.do(t, http.MethodPost, "/sync?pipelines=a", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 on listing failure, got %d", resp.StatusCode)
	}

	f = newFixture(t, &fakeSync{err: entity.ErrStoreIO})
	resp, _ = f.do(t, http.MethodPost, "/sync?pipelines=a", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on store failure, got %d", resp.StatusCode)
	}
}

func TestApplyRunsEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	run := entity.NewApplyRun([]string{"a"})
	if err := f.runs.Create(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, body := f.do(t, http.MethodGet, "/applies", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), run.ID) {
		t.Fatalf("unexpected list %d %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/applies/"+run.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/applies/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/applies?limit=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestApplyEventsWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/applies/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	run := entity.NewApplyRun(nil)
	f.hub.Publish(entity.ApplyEvent{Type: entity.ApplyEventStarted, Run: *run})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev entity.ApplyEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != entity.ApplyEventStarted || ev.Run.ID != run.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("unexpected health %d %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "http_requests_total") {
		t.Fatalf("unexpected metrics %d", resp.StatusCode)
	}
}
