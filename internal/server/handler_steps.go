package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/pipeflow/internal/workflow"
	"github.com/me/pipeflow/pkg/model"
)

type portView struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	List   bool   `json:"list"`
	// Link is the producing "<step>.<port>" of an input port.
	Link string `json:"link,omitempty"`
}

type stepView struct {
	ID       string            `json:"id"`
	Number   int               `json:"number"`
	Kind     model.StepKind    `json:"kind"`
	Module   string            `json:"module,omitempty"`
	State    model.StepState   `json:"state"`
	Skip     bool              `json:"skip,omitempty"`
	Requires []string          `json:"requires"`
	Informs  []string          `json:"informs"`
	Inputs   []portView        `json:"inputs,omitempty"`
	Outputs  []portView        `json:"outputs,omitempty"`
	Result   *model.StepRecord `json:"result,omitempty"`
}

func newStepView(s *workflow.Step, detail bool) stepView {
	v := stepView{
		ID:       s.ID(),
		Number:   s.Number(),
		Kind:     s.Kind(),
		Module:   s.ModuleName(),
		State:    s.State(),
		Skip:     s.Skip(),
		Requires: stepIDs(s.RequiredSteps()),
		Informs:  stepIDs(s.StepsToInform()),
	}
	if !detail {
		return v
	}
	if in := s.Inputs(); in != nil {
		for _, p := range in.All() {
			pv := portView{Name: p.Name(), Format: p.Format().Name, List: p.IsList()}
			if l := p.Link(); l != nil {
				pv.Link = l.StepID() + "." + l.Name()
			}
			v.Inputs = append(v.Inputs, pv)
		}
	}
	if out := s.Outputs(); out != nil {
		for _, p := range out.All() {
			v.Outputs = append(v.Outputs, portView{Name: p.Name(), Format: p.Format().Name, List: p.IsList()})
		}
	}
	return v
}

func stepIDs(steps []*workflow.Step) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID())
	}
	return ids
}

// handleListSteps lists the steps of the run in progress.
// GET /api/v1/steps?state=WORKING
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.workflow == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", "current"))
		return
	}

	steps := s.workflow.Steps()
	if state := r.URL.Query().Get("state"); state != "" {
		steps = s.workflow.StepsInState(model.StepState(state))
	}
	views := make([]stepView, 0, len(steps))
	for _, st := range steps {
		views = append(views, newStepView(st, false))
	}
	respondOK(w, reqID, views)
}

// handleGetStep returns one step with its ports and, once the step finished,
// its recorded result.
// GET /api/v1/steps/{id}
func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.workflow == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", "current"))
		return
	}
	st, ok := s.workflow.Step(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("step", id))
		return
	}

	view := newStepView(st, true)
	if s.store != nil && st.State().IsTerminal() {
		records, err := s.store.ListStepRecords(r.Context(), s.workflow.ID())
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
			return
		}
		for i := range records {
			if records[i].StepID == id {
				view.Result = &records[i]
				break
			}
		}
	}
	respondOK(w, reqID, view)
}
