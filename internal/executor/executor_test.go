package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/me/pipeflow/internal/ctxlog"
	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// behaviorModule runs fn as its business logic.
type behaviorModule struct {
	fn func(ctx context.Context, tc *task.Context, st *task.Status) *task.Result
}

func (m *behaviorModule) Name() string                     { return "behavior" }
func (m *behaviorModule) Version() string                  { return "1" }
func (m *behaviorModule) Configure(model.Parameters) error { return nil }
func (m *behaviorModule) InputSpecs() []port.Spec          { return nil }
func (m *behaviorModule) OutputSpecs() []port.Spec         { return []port.Spec{{Name: "out", Format: "txt"}} }

func (m *behaviorModule) Execute(ctx context.Context, tc *task.Context, st *task.Status) *task.Result {
	return m.fn(ctx, tc, st)
}

func newStep(t *testing.T, fn func(context.Context, *task.Context, *task.Status) *task.Result) (*workflow.Step, *model.FormatRegistry) {
	t.Helper()
	formats := model.NewFormatRegistry()
	if err := formats.Register(&model.Format{Name: "txt", Extensions: []string{".txt"}}); err != nil {
		t.Fatal(err)
	}
	modules := module.NewRegistry(testLogger())
	modules.Register("behavior", func() module.Module { return &behaviorModule{fn: fn} })
	wf, err := workflow.NewBuilder(modules, formats, nil, testLogger()).
		Build("job1", "test", []workflow.StepSpec{{ID: "s", Module: "behavior"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s, _ := wf.Step("s")
	return s, formats
}

func newContext(t *testing.T, formats *model.FormatRegistry, dir string) *task.Context {
	t.Helper()
	f, _ := formats.Get("txt")
	out := data.Naming{Dir: dir, StepID: "s", Port: "out", Format: f, Compression: model.CompressionNone}.Placeholder("s", 1)
	return task.NewContext("s", 0, nil, map[string]data.Data{"out": out})
}

type memStore struct {
	mu        sync.Mutex
	contexts  []string
	results   []*task.Result
	outputs   []string
	done      []string
	completed map[string]*task.Result
	restored  map[string]data.Data
}

func (s *memStore) SaveContext(tc *task.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = append(s.contexts, tc.Name())
	return nil
}

func (s *memStore) SaveResult(r *task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memStore) SaveOutputs(tc *task.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, tc.Name())
	return nil
}

func (s *memStore) MarkDone(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, name)
	return nil
}

func (s *memStore) Completed(tc *task.Context) (*task.Result, map[string]data.Data, bool) {
	r, ok := s.completed[tc.Name()]
	return r, s.restored, ok
}

func TestExecutor_Success(t *testing.T) {
	dir := t.TempDir()
	step, formats := newStep(t, func(ctx context.Context, tc *task.Context, st *task.Status) *task.Result {
		ctxlog.FromContext(ctx).Info("counting reads")
		out, err := tc.OutputElement("out")
		if err != nil {
			return st.CreateFailure("output", err)
		}
		if err := os.WriteFile(out.File().Path, []byte("42\n"), 0o644); err != nil {
			return st.CreateFailure("write output", err)
		}
		st.IncrementCounter("reads", 42)
		return st.CreateSuccess()
	})
	store := &memStore{}
	logDir := filepath.Join(dir, "logs")
	e := New(Config{MaxWorkers: 2, LogDir: logDir, LogLevel: slog.LevelInfo}, store, testLogger())

	r := e.Run(context.Background(), step, newContext(t, formats, dir))
	if !r.Success() {
		f, _ := r.Failure()
		t.Fatalf("Run() failed: %v", f)
	}
	if r.Counters()["reads"] != 42 {
		t.Errorf("counters = %v", r.Counters())
	}
	if len(store.contexts) != 1 || len(store.results) != 1 || len(store.outputs) != 1 || len(store.done) != 1 {
		t.Errorf("store = %+v", store)
	}

	b, err := os.ReadFile(filepath.Join(logDir, "s_context#0.log"))
	if err != nil {
		t.Fatalf("task log: %v", err)
	}
	if !strings.Contains(string(b), "counting reads") {
		t.Errorf("task log = %q", b)
	}
}

func TestExecutor_FailureIsNotMarkedDone(t *testing.T) {
	step, formats := newStep(t, func(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
		return st.CreateFailure("tool failed", errors.New("exit status 2"))
	})
	store := &memStore{}
	e := New(Config{}, store, testLogger())

	r := e.Run(context.Background(), step, newContext(t, formats, t.TempDir()))
	f, ok := r.Failure()
	if !ok || f.Kind != task.ErrorKindFailure || f.Message != "tool failed" {
		t.Fatalf("Failure() = %+v, %v", f, ok)
	}
	if len(store.results) != 1 || len(store.done) != 0 || len(store.outputs) != 0 {
		t.Errorf("store = %+v", store)
	}
}

func TestExecutor_PanicBecomesFault(t *testing.T) {
	step, formats := newStep(t, func(context.Context, *task.Context, *task.Status) *task.Result {
		var m map[string]int
		m["boom"]++
		return nil
	})
	e := New(Config{}, nil, testLogger())

	r := e.Run(context.Background(), step, newContext(t, formats, t.TempDir()))
	f, ok := r.Failure()
	if !ok || f.Kind != task.ErrorKindFault {
		t.Fatalf("Failure() = %+v, %v", f, ok)
	}
	if f.Cause == nil || !strings.Contains(f.Cause.Error(), "nil map") {
		t.Errorf("Cause = %v", f.Cause)
	}
}

func TestExecutor_MissingAndDoubleResults(t *testing.T) {
	t.Run("nil result", func(t *testing.T) {
		step, formats := newStep(t, func(context.Context, *task.Context, *task.Status) *task.Result {
			return nil
		})
		r := New(Config{}, nil, testLogger()).Run(context.Background(), step, newContext(t, formats, t.TempDir()))
		if f, ok := r.Failure(); !ok || !strings.Contains(f.Message, "no result") {
			t.Errorf("Failure() = %+v, %v", f, ok)
		}
	})
	t.Run("second result", func(t *testing.T) {
		step, formats := newStep(t, func(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
			st.CreateSuccess()
			return st.CreateFailure("again", nil)
		})
		r := New(Config{}, nil, testLogger()).Run(context.Background(), step, newContext(t, formats, t.TempDir()))
		f, ok := r.Failure()
		if !ok || f.Kind != task.ErrorKindFault || !errors.Is(f.Cause, model.ErrResultAlreadyCreated) {
			t.Errorf("Failure() = %+v, %v, want FAULT caused by a second result", f, ok)
		}
	})
	t.Run("panic after success", func(t *testing.T) {
		step, formats := newStep(t, func(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
			st.CreateSuccess()
			panic("late crash")
		})
		r := New(Config{}, nil, testLogger()).Run(context.Background(), step, newContext(t, formats, t.TempDir()))
		if f, ok := r.Failure(); !ok || f.Kind != task.ErrorKindFault {
			t.Errorf("Failure() = %+v, %v, want FAULT", f, ok)
		}
	})
}

func TestExecutor_Resume(t *testing.T) {
	ran := false
	step, formats := newStep(t, func(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
		ran = true
		return st.CreateSuccess()
	})
	f, _ := formats.Get("txt")
	previous := data.NewElement("s", f, data.File{Path: "/old/run/out.txt"})
	prevResult := task.NewStatus(task.NewContext("s", 0, nil, nil), nil).CreateSuccess()
	store := &memStore{
		completed: map[string]*task.Result{"s_context#0": prevResult},
		restored:  map[string]data.Data{"out": previous},
	}

	tc := newContext(t, formats, t.TempDir())
	r := New(Config{Resume: true}, store, testLogger()).Run(context.Background(), step, tc)
	if ran {
		t.Error("completed task must not run again")
	}
	if r != prevResult {
		t.Error("expected the persisted result")
	}
	if out, _ := tc.Output("out"); out != previous {
		t.Errorf("output = %v, want restored data", out)
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	step, formats := newStep(t, func(_ context.Context, _ *task.Context, st *task.Status) *task.Result {
		return st.CreateSuccess()
	})
	e := New(Config{MaxWorkers: 1}, nil, testLogger())
	e.pool.Acquire(context.Background(), "other_context#0")
	defer e.pool.Release("other_context#0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := e.Run(ctx, step, newContext(t, formats, t.TempDir()))
	if f, ok := r.Failure(); !ok || !errors.Is(f.Cause, context.Canceled) {
		t.Errorf("Failure() = %+v, %v", f, ok)
	}
}
