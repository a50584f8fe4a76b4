package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/pipeflow/internal/config"
	"github.com/me/pipeflow/internal/executor"
	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/store"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type portModule struct {
	name string
	in   []port.Spec
	out  []port.Spec
}

func (m *portModule) Name() string                     { return m.name }
func (m *portModule) Version() string                  { return "1" }
func (m *portModule) Configure(model.Parameters) error { return nil }
func (m *portModule) InputSpecs() []port.Spec          { return m.in }
func (m *portModule) OutputSpecs() []port.Spec         { return m.out }

func (m *portModule) Execute(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
	return st.CreateSuccess()
}

// testWorkflow builds root, design, a (produces fa), b (fa to fb), terminal.
func testWorkflow(t *testing.T) *workflow.Workflow {
	t.Helper()
	formats := model.NewFormatRegistry()
	for _, name := range []string{"fa", "fb"} {
		if err := formats.Register(&model.Format{Name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	modules := module.NewRegistry(testLogger())
	modules.Register("produce", func() module.Module {
		return &portModule{name: "produce", out: []port.Spec{{Name: "out", Format: "fa"}}}
	})
	modules.Register("convert", func() module.Module {
		return &portModule{
			name: "convert",
			in:   []port.Spec{{Name: "in", Format: "fa"}},
			out:  []port.Spec{{Name: "out", Format: "fb"}},
		}
	})

	wf, err := workflow.NewBuilder(modules, formats, nil, testLogger()).Build("run_1", "demo", []workflow.StepSpec{
		{ID: "a", Module: "produce"},
		{ID: "b", Module: "convert"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return wf
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv := New(config.DefaultServerConfig(), testLogger(), opts...)
	t.Cleanup(srv.Close)
	return srv
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data discoveryResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Name != "pipeflow API" || len(data.Endpoints) != 6 {
		t.Errorf("name = %q, endpoints = %d", data.Name, len(data.Endpoints))
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "cli-42")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "cli-42" {
		t.Errorf("X-Request-ID = %q, want caller value", got)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil || env.RequestID != "cli-42" {
		t.Errorf("request_id = %q, %v", env.RequestID, err)
	}

	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 100))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("oversized id should be replaced, got %q", got)
	}
}

func TestHealth(t *testing.T) {
	wf := testWorkflow(t)
	if err := wf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := testServer(t, WithWorkflow(wf), WithStore(testStore(t)))
	env := doGet(t, srv, "/api/v1/health", http.StatusOK)

	var data healthResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Status != "healthy" || data.Store != "sqlite" || data.Run != "run_1" {
		t.Errorf("health = %+v", data)
	}
	if data.Steps[model.StepStateReady] != 1 || data.Steps[model.StepStateWaiting] != 4 {
		t.Errorf("steps = %v, want 1 READY and 4 WAITING", data.Steps)
	}
	if data.Workers != nil {
		t.Errorf("workers = %+v, want omitted without a pool", data.Workers)
	}
}

func TestHealth_RunningTasks(t *testing.T) {
	pool := executor.NewPool(2)
	pool.Acquire(context.Background(), "a_context#0")
	defer pool.Release("a_context#0")

	srv := testServer(t, WithPool(pool))
	env := doGet(t, srv, "/api/v1/health", http.StatusOK)
	var data healthResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Workers == nil || data.Workers.Size != 2 {
		t.Fatalf("workers = %+v, want size 2", data.Workers)
	}
	if len(data.Workers.Running) != 1 || data.Workers.Running[0].Name != "a_context#0" {
		t.Errorf("running = %+v", data.Workers.Running)
	}
}

func TestListSteps(t *testing.T) {
	wf := testWorkflow(t)
	if err := wf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := testServer(t, WithWorkflow(wf))

	tests := []struct {
		path string
		want []string
	}{
		{"/api/v1/steps", []string{"root", "design", "a", "b", "terminal"}},
		{"/api/v1/steps?state=READY", []string{"root"}},
		{"/api/v1/steps?state=DONE", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			env := doGet(t, srv, tt.path, http.StatusOK)
			var steps []stepView
			if err := json.Unmarshal(env.Data, &steps); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(steps) != len(tt.want) {
				t.Fatalf("got %d steps, want %v", len(steps), tt.want)
			}
			for i, s := range steps {
				if s.ID != tt.want[i] {
					t.Errorf("steps[%d] = %q, want %q", i, s.ID, tt.want[i])
				}
			}
		})
	}
}

func TestGetStep(t *testing.T) {
	wf := testWorkflow(t)
	srv := testServer(t, WithWorkflow(wf))

	env := doGet(t, srv, "/api/v1/steps/b", http.StatusOK)
	var step stepView
	if err := json.Unmarshal(env.Data, &step); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if step.Module != "convert" || step.Kind != model.StepKindStandard {
		t.Errorf("step = %+v", step)
	}
	if len(step.Inputs) != 1 || step.Inputs[0].Link != "a.out" {
		t.Errorf("inputs = %+v, want link a.out", step.Inputs)
	}
	if len(step.Outputs) != 1 || step.Outputs[0].Format != "fb" {
		t.Errorf("outputs = %+v", step.Outputs)
	}
	if len(step.Requires) != 1 || step.Requires[0] != "a" {
		t.Errorf("requires = %v, want [a]", step.Requires)
	}

	env = doGet(t, srv, "/api/v1/steps/nope", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestGetStep_RecordedResult(t *testing.T) {
	ctx := context.Background()
	wf := testWorkflow(t)
	st := testStore(t)
	if err := st.CreateRun(ctx, &model.Run{ID: wf.ID(), Workflow: wf.Name(), State: model.RunStateRunning, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	now := time.Now().UTC()
	rep := task.Report{StepID: "a", StepName: "produce", StartTime: now, EndTime: now, Success: true, TaskCount: 1,
		Tasks: []task.TaskReport{{Name: "a_context#0", Success: true}}}
	if err := st.SaveStepReport(ctx, wf.ID(), rep); err != nil {
		t.Fatalf("SaveStepReport: %v", err)
	}

	// Drive a to DONE.
	if err := wf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	root := wf.Root()
	design := wf.DesignStep()
	a, _ := wf.Step("a")
	for _, s := range []*workflow.Step{root, design, a} {
		for _, to := range []model.StepState{model.StepStateWorking, model.StepStateDone} {
			if err := s.SetState(to); err != nil {
				t.Fatalf("%s -> %s: %v", s.ID(), to, err)
			}
		}
	}

	srv := testServer(t, WithWorkflow(wf), WithStore(st))
	env := doGet(t, srv, "/api/v1/steps/a", http.StatusOK)
	var step stepView
	if err := json.Unmarshal(env.Data, &step); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if step.State != model.StepStateDone {
		t.Errorf("state = %s, want DONE", step.State)
	}
	if step.Result == nil || step.Result.TaskCount != 1 || !step.Result.Success {
		t.Errorf("result = %+v", step.Result)
	}
}

func TestSteps_NoRun(t *testing.T) {
	srv := testServer(t)
	for _, path := range []string{"/api/v1/steps", "/api/v1/steps/a", "/api/v1/sse/steps"} {
		env := doGet(t, srv, path, http.StatusNotFound)
		if env.Status != "error" {
			t.Errorf("%s: status = %q, want error", path, env.Status)
		}
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, state := range []model.RunState{model.RunStateSucceeded, model.RunStateFailed, model.RunStateSucceeded} {
		run := &model.Run{
			ID:        "run_" + string(rune('a'+i)),
			Workflow:  "rnaseq",
			State:     state,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	srv := testServer(t, WithStore(st))

	t.Run("list", func(t *testing.T) {
		env := doGet(t, srv, "/api/v1/runs?limit=2", http.StatusOK)
		var runs []model.Run
		if err := json.Unmarshal(env.Data, &runs); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(runs) != 2 || runs[0].ID != "run_c" {
			t.Errorf("runs = %+v, want newest first", runs)
		}
		if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
			t.Errorf("pagination = %+v", env.Pagination)
		}
	})

	t.Run("filter by state", func(t *testing.T) {
		env := doGet(t, srv, "/api/v1/runs?state=FAILED", http.StatusOK)
		if env.Pagination == nil || env.Pagination.Total != 1 {
			t.Errorf("pagination = %+v, want total 1", env.Pagination)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		env := doGet(t, srv, "/api/v1/runs?limit=ten", http.StatusBadRequest)
		if env.Error == nil || env.Error.Code != model.ErrValidation || len(env.Error.Details) != 1 {
			t.Errorf("error = %+v", env.Error)
		}
	})

	t.Run("get", func(t *testing.T) {
		env := doGet(t, srv, "/api/v1/runs/run_b", http.StatusOK)
		var run model.Run
		if err := json.Unmarshal(env.Data, &run); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if run.State != model.RunStateFailed {
			t.Errorf("state = %s, want FAILED", run.State)
		}
		doGet(t, srv, "/api/v1/runs/missing", http.StatusNotFound)
	})
}

type sseEvent struct {
	name string
	data string
}

// readEvent reads the next named event, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestSSESteps(t *testing.T) {
	wf := testWorkflow(t)
	if err := wf.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := testServer(t, WithWorkflow(wf))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/sse/steps")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	first := readEvent(t, r)
	var snapshot []stepView
	if err := json.Unmarshal([]byte(first.data), &snapshot); err != nil || first.name != "init" {
		t.Fatalf("init = %+v, %v", first, err)
	}
	if len(snapshot) != 5 || snapshot[0].State != model.StepStateReady {
		t.Errorf("snapshot = %+v", snapshot)
	}

	if err := wf.Root().SetState(model.StepStateWorking); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	ev := readEvent(t, r)
	var state workflow.StateEvent
	if err := json.Unmarshal([]byte(ev.data), &state); err != nil || ev.name != "state" {
		t.Fatalf("state = %+v, %v", ev, err)
	}
	if state.StepID != "root" || state.From != model.StepStateReady || state.To != model.StepStateWorking {
		t.Errorf("event = %+v", state)
	}

	srv.Close()
	if ev := readEvent(t, r); ev.name != "complete" {
		t.Errorf("last event = %q, want complete", ev.name)
	}
}

func TestBroker_CloseEndsClients(t *testing.T) {
	wf := testWorkflow(t)
	b := NewBroker(wf, testLogger())
	ch, cancel := b.Subscribe()
	if b.Clients() != 1 {
		t.Fatalf("Clients() = %d, want 1", b.Clients())
	}

	b.Close()
	if _, open := <-ch; open {
		t.Error("client channel still open after Close")
	}
	cancel()
	b.Close()

	late, _ := b.Subscribe()
	if _, open := <-late; open {
		t.Error("subscription after Close should be closed")
	}
}
