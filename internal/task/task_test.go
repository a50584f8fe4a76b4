package task

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/pkg/model"
)

type fixedCounters map[string]int64

func (f fixedCounters) Counters() map[string]int64 { return f }

// fakeClock returns successive instants one second apart.
func fakeClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic wrapping %v", target)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("panic = %v, want error wrapping %v", r, target)
		}
	}()
	fn()
}

func TestContextName(t *testing.T) {
	if got := ContextName("filter", 3); got != "filter_context#3" {
		t.Errorf("ContextName() = %q", got)
	}
}

func TestContext_Accessors(t *testing.T) {
	f := &model.Format{Name: "reads_fastq"}
	elem := data.NewElement("s1", f)
	list := data.NewList("all", f)
	tc := NewContext("map", 1, map[string]data.Data{"reads": elem, "all": list}, nil)

	if _, err := tc.InputElement("reads"); err != nil {
		t.Errorf("InputElement(reads): %v", err)
	}
	if _, err := tc.InputElement("all"); err == nil {
		t.Error("InputElement(all) should fail for a list")
	}
	if _, err := tc.InputList("all"); err != nil {
		t.Errorf("InputList(all): %v", err)
	}
	if _, err := tc.InputList("missing"); err == nil {
		t.Error("InputList(missing) should fail")
	}
	if got := tc.InputPorts(); len(got) != 2 || got[0] != "all" {
		t.Errorf("InputPorts() = %v", got)
	}
	if len(tc.OutputPorts()) != 0 {
		t.Errorf("OutputPorts() = %v, want empty", tc.OutputPorts())
	}
}

func TestStatus_SetProgress(t *testing.T) {
	var reported []float64
	st := NewStatus(NewContext("s", 0, nil, nil), func(_ string, p float64) { reported = append(reported, p) })

	for _, bad := range []float64{-0.1, 1.5, math.NaN(), math.Inf(1)} {
		if err := st.SetProgress(bad); !errors.Is(err, model.ErrInvalidProgress) {
			t.Errorf("SetProgress(%v) error = %v, want ErrInvalidProgress", bad, err)
		}
	}
	if err := st.SetProgress(0.5); err != nil {
		t.Fatalf("SetProgress(0.5): %v", err)
	}
	if st.Progress() != 0.5 || len(reported) != 1 {
		t.Errorf("Progress() = %v, reported = %v", st.Progress(), reported)
	}
}

func TestStatus_CreateSuccess(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := newStatus(NewContext("count", 2, nil, nil), nil, fakeClock(start))
	st.SetMessage("counted")
	st.SetDescription("count reads")
	st.IncrementCounter("reads", 10)
	st.MergeCounters(fixedCounters{"reads": 5, "skipped": 1})

	r := st.CreateSuccess()
	if !r.Success() {
		t.Error("Success() = false")
	}
	if r.ContextName() != "count_context#2" || r.StepID() != "count" {
		t.Errorf("name = %q step = %q", r.ContextName(), r.StepID())
	}
	if r.Duration() != time.Second {
		t.Errorf("Duration() = %v, want 1s", r.Duration())
	}
	if c := r.Counters(); c["reads"] != 15 || c["skipped"] != 1 {
		t.Errorf("Counters() = %v", c)
	}
	if st.Progress() != 1 {
		t.Errorf("Progress() after success = %v, want 1", st.Progress())
	}
	if _, ok := r.Failure(); ok {
		t.Error("Failure() should be false")
	}
}

func TestStatus_CreateTwicePanics(t *testing.T) {
	st := NewStatus(NewContext("s", 0, nil, nil), nil)
	st.CreateFailure("boom", nil)
	expectPanic(t, model.ErrResultAlreadyCreated, func() {
		st.CreateSuccess()
	})
}

func TestStatus_ForceFault(t *testing.T) {
	st := NewStatus(NewContext("s", 0, nil, nil), nil)
	r := st.ForceFault("uncaught fault in task", "index out of range")
	f, ok := r.Failure()
	if !ok || f.Kind != ErrorKindFault {
		t.Fatalf("Failure() = %+v, %v", f, ok)
	}
	if f.Cause == nil || f.Cause.Error() != "index out of range" {
		t.Errorf("Cause = %v", f.Cause)
	}

	st = NewStatus(NewContext("s", 1, nil, nil), nil)
	st.CreateSuccess()
	r = st.ForceFault("task created more than one result", model.ErrResultAlreadyCreated)
	if r.Success() {
		t.Fatal("a fault after success must fail the task")
	}
	if got, _ := st.Result(); got != r {
		t.Error("Result() should return the fault")
	}
	if f, _ := r.Failure(); !errors.Is(f.Cause, model.ErrResultAlreadyCreated) {
		t.Errorf("Cause = %v", f.Cause)
	}
}

func TestResult_JSONRoundTrip(t *testing.T) {
	st := NewStatus(NewContext("s", 4, nil, nil), nil)
	st.IncrementCounter("n", 3)
	orig := st.CreateFailure("mapper failed", errors.New("exit status 1"))

	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Result
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	f, ok := got.Failure()
	if !ok || f.Message != "mapper failed" || f.Cause.Error() != "exit status 1" || f.Kind != ErrorKindFailure {
		t.Errorf("restored failure = %+v", f)
	}
	if got.ContextID() != 4 || got.Counters()["n"] != 3 {
		t.Errorf("restored = id %d counters %v", got.ContextID(), got.Counters())
	}
}

func newResult(t *testing.T, id int, start time.Time, fail string) *Result {
	t.Helper()
	st := newStatus(NewContext("align", id, nil, nil), nil, fakeClock(start))
	st.IncrementCounter("reads", int64(id+1))
	if fail != "" {
		return st.CreateFailure(fail, nil)
	}
	return st.CreateSuccess()
}

func TestStepResult_FirstFailureWins(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sr := NewStepResult("job1", "align", "shell", "1.0")

	sr.AddResult(newResult(t, 0, base.Add(10*time.Second), ""))
	sr.AddResult(newResult(t, 1, base, "first failure"))
	sr.AddResult(newResult(t, 2, base.Add(20*time.Second), "second failure"))

	if sr.IsSuccess() {
		t.Fatal("IsSuccess() = true after failures")
	}
	f, name, ok := sr.FirstFailure()
	if !ok || f.Message != "first failure" || name != "align_context#1" {
		t.Errorf("FirstFailure() = %v %q", f, name)
	}
	if sr.FailedCount() != 2 || sr.TaskCount() != 3 {
		t.Errorf("FailedCount=%d TaskCount=%d", sr.FailedCount(), sr.TaskCount())
	}

	rep := sr.Report()
	if !rep.StartTime.Equal(base) {
		t.Errorf("StartTime = %v, want %v", rep.StartTime, base)
	}
	if want := base.Add(21 * time.Second); !rep.EndTime.Equal(want) {
		t.Errorf("EndTime = %v, want %v", rep.EndTime, want)
	}
	if rep.ErrorMessage != "first failure" || len(rep.LaterErrors) != 1 {
		t.Errorf("ErrorMessage=%q LaterErrors=%v", rep.ErrorMessage, rep.LaterErrors)
	}
	if rep.Counters["reads"] != 6 {
		t.Errorf("Counters[reads] = %d, want 6", rep.Counters["reads"])
	}
	if len(rep.Tasks) != 3 || rep.Tasks[0].Name != "align_context#0" {
		t.Errorf("Tasks = %+v", rep.Tasks)
	}
}

func TestStepResult_ImmutablePanics(t *testing.T) {
	sr := NewStepResult("job1", "align", "shell", "")
	sr.AddResult(newResult(t, 0, time.Now(), ""))
	sr.SetImmutable()

	if !sr.IsImmutable() || !sr.IsSuccess() {
		t.Fatalf("IsImmutable=%v IsSuccess=%v", sr.IsImmutable(), sr.IsSuccess())
	}
	expectPanic(t, model.ErrImmutableResult, func() {
		sr.AddResult(newResult(t, 1, time.Now(), "late"))
	})
	expectPanic(t, model.ErrImmutableResult, func() {
		sr.SetStepCounter("x", 1)
	})
	if !sr.IsSuccess() {
		t.Error("rejected mutation must not change success")
	}
}

func TestStepResult_SetFailure(t *testing.T) {
	sr := NewStepResult("job1", "count", "shell", "")
	sr.SetFailure("no data received on input port \"reads\"", model.ErrEmptyStream)
	sr.SetFailure("ignored", nil)

	f, name, ok := sr.FirstFailure()
	if !ok || name != "" || !errors.Is(f.Cause, model.ErrEmptyStream) {
		t.Fatalf("FirstFailure() = %+v %q %v", f, name, ok)
	}
	if sr.TaskCount() != 0 || sr.IsSuccess() {
		t.Errorf("TaskCount=%d IsSuccess=%v", sr.TaskCount(), sr.IsSuccess())
	}
}
