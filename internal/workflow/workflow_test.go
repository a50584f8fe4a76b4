package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/me/pipeflow/internal/module"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// portModule declares fixed ports and always succeeds.
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

func testFormats(t *testing.T) *model.FormatRegistry {
	t.Helper()
	reg := model.NewFormatRegistry()
	for _, f := range []*model.Format{
		{Name: "fa"},
		{Name: "fb"},
		{Name: "fc"},
		{Name: "reads", DesignField: "Reads"},
		{Name: "genome", DesignField: "Genome"},
		{Name: "index", Generator: &model.GeneratorSpec{Module: "indexer"}},
		{Name: "orphan", Generator: &model.GeneratorSpec{Module: "indexer"}},
		{Name: "fd", Generator: &model.GeneratorSpec{Module: "p_fd"}},
		{Name: "fe", Generator: &model.GeneratorSpec{Module: "c_fd_fe"}},
	} {
		if err := reg.Register(f); err != nil {
			t.Fatalf("Register(%s): %v", f.Name, err)
		}
	}
	return reg
}

// testModules registers modules named after their ports: "p_<out>" produces
// a format from nothing, "c_<in>_<out>" converts, and "sink_<in>" consumes.
func testModules() *module.Registry {
	reg := module.NewRegistry(testLogger())
	def := func(name string, in, out []port.Spec) {
		reg.Register(name, func() module.Module { return &portModule{name: name, in: in, out: out} })
	}
	spec := func(name, format string) []port.Spec { return []port.Spec{{Name: name, Format: format}} }

	def("p_fa", nil, spec("out", "fa"))
	def("c_fa_fb", spec("in", "fa"), spec("out", "fb"))
	def("c_fb_fc", spec("in", "fb"), spec("out", "fc"))
	def("sink_fx", spec("in", "fx"), nil)
	def("sink_reads", spec("reads", "reads"), nil)
	def("sink_index", spec("index", "index"), nil)
	def("indexer", spec("genome", "genome"), spec("index", "index"))
	def("p_fd", nil, spec("out", "fd"))
	def("c_fd_fe", spec("in", "fd"), spec("out", "fe"))
	def("sink_fd", spec("in", "fd"), nil)
	def("sink_fe", spec("in", "fe"), nil)
	return reg
}

func stepIDs(w *Workflow) []string {
	var ids []string
	for _, s := range w.Steps() {
		ids = append(ids, s.ID())
	}
	return ids
}

func requiredIDs(s *Step) []string {
	var ids []string
	for _, r := range s.RequiredSteps() {
		ids = append(ids, r.ID())
	}
	return ids
}

func build(t *testing.T, design *Design, specs ...StepSpec) (*Workflow, error) {
	t.Helper()
	return NewBuilder(testModules(), testFormats(t), design, testLogger()).Build("job1", "test", specs)
}

func TestBuild_LinearChain(t *testing.T) {
	w, err := build(t, nil,
		StepSpec{ID: "a", Module: "p_fa"},
		StepSpec{ID: "b", Module: "c_fa_fb"},
		StepSpec{ID: "c", Module: "c_fb_fc"},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"root", "design", "a", "b", "c", "terminal"}
	if got := stepIDs(w); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}

	a, _ := w.Step("a")
	b, _ := w.Step("b")
	c, _ := w.Step("c")
	bin, _ := b.Inputs().Get("in")
	aout, _ := a.Outputs().Get("out")
	if bin.Link() != aout {
		t.Errorf("b.in linked to %v, want a.out", bin.Link())
	}

	// a has no inputs and depends on its predecessor.
	if got := requiredIDs(a); !reflect.DeepEqual(got, []string{"design"}) {
		t.Errorf("a requires %v", got)
	}
	if got := requiredIDs(c); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("c requires %v", got)
	}
	if got := requiredIDs(w.Terminal()); len(got) != 5 {
		t.Errorf("terminal requires %v, want all 5 other steps", got)
	}
	if got := b.StepsToInform(); len(got) != 2 || got[0].ID() != "c" {
		t.Errorf("b informs %v", got)
	}
	if c.Number() != 4 || w.Root().Number() != 0 {
		t.Errorf("numbers: c=%d root=%d", c.Number(), w.Root().Number())
	}
	for _, s := range w.Steps() {
		if s.State() != model.StepStateConfigured {
			t.Errorf("%s state = %s, want CONFIGURED", s.ID(), s.State())
		}
	}
}

func TestBuild_NearestProducerWins(t *testing.T) {
	w, err := build(t, nil,
		StepSpec{ID: "a1", Module: "p_fa"},
		StepSpec{ID: "a2", Module: "p_fa"},
		StepSpec{ID: "b", Module: "c_fa_fb"},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, _ := w.Step("b")
	in, _ := b.Inputs().Get("in")
	if in.Link().StepID() != "a2" {
		t.Errorf("b.in linked to %s, want a2", in.Link().StepID())
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		specs []StepSpec
		kind  model.BuildErrorKind
		step  string
	}{
		{"unresolved", []StepSpec{{ID: "s", Module: "c_fa_fb"}}, model.BuildErrUnresolvedInput, "s"},
		{"reserved", []StepSpec{{ID: "root", Module: "p_fa"}}, model.BuildErrReservedID, "root"},
		{"duplicate", []StepSpec{{ID: "x", Module: "p_fa"}, {ID: "x", Module: "p_fa"}}, model.BuildErrDuplicateStep, "x"},
		{"unknown module", []StepSpec{{ID: "x", Module: "nope"}}, model.BuildErrUnknownModule, "x"},
		{"unknown format", []StepSpec{{ID: "x", Module: "sink_fx"}}, model.BuildErrConfigure, "x"},
		{"bad kind", []StepSpec{{ID: "x", Module: "p_fa", Kind: model.StepKindRoot}}, model.BuildErrInvalidStep, "x"},
		{"generator without source", []StepSpec{{ID: "x", Module: "sink_index"}}, model.BuildErrUnresolvedInput, "index_generator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := build(t, nil, tt.specs...)
			var be *model.BuildError
			if !errors.As(err, &be) {
				t.Fatalf("Build() error = %v, want *BuildError", err)
			}
			if be.Kind != tt.kind || be.StepID != tt.step {
				t.Errorf("BuildError = %s/%s, want %s/%s", be.Kind, be.StepID, tt.kind, tt.step)
			}
		})
	}
}

func testDesign() *Design {
	return &Design{Samples: []*Sample{
		{ID: "s1", Name: "wt", Files: map[string][]string{"reads": {"/data/s1.fq"}, "Genome": {"/data/g.fa"}}},
		{ID: "s2", Files: map[string][]string{"Reads": {"/data/s2.fq"}}},
	}}
}

func TestBuild_DesignSource(t *testing.T) {
	w, err := build(t, testDesign(), StepSpec{ID: "count", Module: "sink_reads"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	count, _ := w.Step("count")
	in, _ := count.Inputs().Get("reads")
	out := in.Link()
	if out == nil || out.StepID() != DesignStepID || !out.IsList() || out.Name() != "reads" {
		t.Fatalf("count.reads linked to %v", out)
	}
	if w.DesignStep().Outputs().Len() != 1 {
		t.Errorf("design ports = %d, want 1", w.DesignStep().Outputs().Len())
	}
	if got := requiredIDs(count); !reflect.DeepEqual(got, []string{"design"}) {
		t.Errorf("count requires %v", got)
	}

	elems := w.Design().Elements(out.Format())
	if len(elems) != 2 || elems[0].Name() != "wt" || elems[1].Name() != "s2" {
		t.Fatalf("design elements = %v", elems)
	}
	if elems[0].Metadata().SampleID() != "s1" {
		t.Errorf("sample id = %q", elems[0].Metadata().SampleID())
	}
}

func TestBuild_GeneratorInsertion(t *testing.T) {
	w, err := build(t, testDesign(),
		StepSpec{ID: "map1", Module: "sink_index"},
		StepSpec{ID: "map2", Module: "sink_index"},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"root", "design", "index_generator", "map1", "map2", "terminal"}
	if got := stepIDs(w); !reflect.DeepEqual(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	gen, _ := w.Step("index_generator")
	if gen.Kind() != model.StepKindGenerator {
		t.Errorf("generator kind = %s", gen.Kind())
	}
	out, _ := gen.Outputs().Get("index")
	if len(out.Links()) != 2 {
		t.Errorf("generator output links = %d, want 2", len(out.Links()))
	}
	gin, _ := gen.Inputs().Get("genome")
	if gin.Link() == nil || gin.Link().StepID() != DesignStepID {
		t.Errorf("generator input linked to %v, want design", gin.Link())
	}
}

func TestBuild_GeneratorOrder(t *testing.T) {
	tests := []struct {
		name  string
		specs []StepSpec
		want  []string
	}{
		{
			// The last step is resolved first, so fd_generator is inserted first.
			name:  "insertion order",
			specs: []StepSpec{{ID: "map", Module: "sink_index"}, {ID: "x", Module: "sink_fd"}},
			want:  []string{"root", "design", "fd_generator", "index_generator", "map", "x", "terminal"},
		},
		{
			name:  "generator feeding a generator",
			specs: []StepSpec{{ID: "y", Module: "sink_fe"}},
			want:  []string{"root", "design", "fd_generator", "fe_generator", "y", "terminal"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := build(t, testDesign(), tt.specs...)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if got := stepIDs(w); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
		})
	}

	w, _ := build(t, testDesign(), StepSpec{ID: "y", Module: "sink_fe"})
	fe, _ := w.Step("fe_generator")
	if got := requiredIDs(fe); !reflect.DeepEqual(got, []string{"fd_generator"}) {
		t.Errorf("fe_generator requires %v, want [fd_generator]", got)
	}
}

func TestBuild_DeclaredGeneratorsKept(t *testing.T) {
	w, err := build(t, nil,
		StepSpec{ID: "g1", Module: "p_fa", Kind: model.StepKindGenerator},
		StepSpec{ID: "g2", Module: "p_fa", Kind: model.StepKindGenerator},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{"root", "design", "g1", "g2", "terminal"}
	if got := stepIDs(w); !reflect.DeepEqual(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
}

func TestLinkInput_ReportsLinkErrors(t *testing.T) {
	formats := testFormats(t)
	b := NewBuilder(testModules(), formats, nil, testLogger())
	user, err := b.userSteps([]StepSpec{
		{ID: "a", Module: "p_fa"},
		{ID: "other", Module: "p_fa"},
		{ID: "b", Module: "c_fa_fb"},
	})
	if err != nil {
		t.Fatalf("userSteps: %v", err)
	}
	in, _ := user[2].Inputs().Get("in")
	otherOut, _ := user[1].Outputs().Get("out")
	if err := port.Link(otherOut, in); err != nil {
		t.Fatalf("Link: %v", err)
	}

	ok, err := b.linkInput(user[:1], nil, in)
	if err == nil {
		t.Fatalf("linkInput = %v, nil; want an error for an input linked elsewhere", ok)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	specs := []StepSpec{
		{ID: "map", Module: "sink_index"},
		{ID: "a", Module: "p_fa"},
		{ID: "b", Module: "c_fa_fb"},
		{ID: "count", Module: "sink_reads"},
	}
	describe := func(w *Workflow) []string {
		var out []string
		for _, s := range w.Steps() {
			for _, in := range s.Inputs().All() {
				out = append(out, in.String()+"<-"+in.Link().String())
			}
			out = append(out, s.String())
		}
		return out
	}
	w1, err := build(t, testDesign(), specs...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	w2, _ := build(t, testDesign(), specs...)
	if !reflect.DeepEqual(describe(w1), describe(w2)) {
		t.Errorf("builds differ:\n%v\n%v", describe(w1), describe(w2))
	}
}

func TestStep_Lifecycle(t *testing.T) {
	w, err := build(t, nil,
		StepSpec{ID: "a", Module: "p_fa"},
		StepSpec{ID: "b", Module: "c_fa_fb"},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var mu sync.Mutex
	var events []string
	unsubscribe := w.Subscribe(func(ev StateEvent) {
		mu.Lock()
		events = append(events, ev.StepID+":"+string(ev.To))
		mu.Unlock()
	})
	defer unsubscribe()

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.Root().State() != model.StepStateReady {
		t.Fatalf("root = %s, want READY", w.Root().State())
	}
	if n := w.CountInState(model.StepStateWaiting); n != 4 {
		t.Errorf("waiting = %d, want 4", n)
	}

	// Invalid transition leaves the state unchanged.
	a, _ := w.Step("a")
	var te *model.InvalidTransitionError
	if err := a.SetState(model.StepStateDone); !errors.As(err, &te) {
		t.Fatalf("SetState(DONE) on WAITING error = %v", err)
	}
	if a.State() != model.StepStateWaiting {
		t.Errorf("a = %s after rejected transition", a.State())
	}

	root := w.Root()
	mustSet(t, root, model.StepStateWorking)
	mustSet(t, root, model.StepStateDone)
	if w.DesignStep().State() != model.StepStateReady {
		t.Fatalf("design = %s, want READY", w.DesignStep().State())
	}

	mu.Lock()
	defer mu.Unlock()
	idxReady, idxDone := indexOfString(events, "design:READY"), indexOfString(events, "root:DONE")
	if idxReady < 0 || idxDone < 0 || idxReady > idxDone {
		t.Errorf("dependent promotion must be published before producer DONE: %v", events)
	}
}

func TestWorkflow_StepsInStatePriority(t *testing.T) {
	w, err := build(t, testDesign(),
		StepSpec{ID: "a", Module: "p_fa"},
		StepSpec{ID: "map", Module: "sink_index"},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := w.StepsInState(model.StepStateConfigured)
	var ids []string
	for _, s := range got {
		ids = append(ids, s.ID())
	}
	want := []string{"root", "design", "index_generator", "a", "map", "terminal"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("StepsInState = %v, want %v", ids, want)
	}
}

func TestWorkflow_RegisterForeignStep(t *testing.T) {
	w1, _ := build(t, nil, StepSpec{ID: "a", Module: "p_fa"})
	w2 := newWorkflow("job2", "other", w1.Formats(), nil, testLogger())
	a, _ := w1.Step("a")
	if err := w2.register(a); err == nil {
		t.Error("expected error registering a step of another workflow")
	}
}

type existing map[string][]string

func (e existing) ExistingOutputs(stepID string) []string { return e[stepID] }

func TestPreflight(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "s1.fq")
	if err := os.WriteFile(present, []byte("@r1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	design := &Design{Samples: []*Sample{
		{ID: "s1", Files: map[string][]string{"Reads": {present}}},
		{ID: "s2", Files: map[string][]string{"Reads": {filepath.Join(dir, "missing.fq")}}},
	}}

	w, err := build(t, design, StepSpec{ID: "count", Module: "sink_reads"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	err = Preflight(w, existing{"count": {"count.result.json"}})
	var pe *model.PreflightError
	if !errors.As(err, &pe) {
		t.Fatalf("Preflight() error = %v, want *PreflightError", err)
	}
	if len(pe.Problems) != 2 {
		t.Errorf("problems = %v, want missing file and existing output", pe.Problems)
	}

	design.Samples = design.Samples[:1]
	if err := Preflight(w, nil); err != nil {
		t.Errorf("Preflight() with resume = %v", err)
	}
}

func mustSet(t *testing.T, s *Step, to model.StepState) {
	t.Helper()
	if err := s.SetState(to); err != nil {
		t.Fatalf("SetState(%s, %s): %v", s.ID(), to, err)
	}
}

func indexOfString(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
