// Package artifact persists the per-task documents of a run and the step
// result reports on the file system.
//
// For every task context <name> (e.g. "map_context#3") the task directory
// holds:
//
//	<name>.context.json  inputs of the task
//	<name>.result.json   task result
//	<name>.data.json     outputs, written on success
//	<name>.done          completion marker, written last
//
// Step reports are written to the report directory as <stepId>.result.json,
// or <stepId>.result.yaml.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

const (
	contextSuffix = ".context.json"
	resultSuffix  = ".result.json"
	dataSuffix    = ".data.json"
	doneSuffix    = ".done"
)

// ReportFormat selects the encoding of step reports.
type ReportFormat string

const (
	ReportJSON ReportFormat = "json"
	ReportYAML ReportFormat = "yaml"
)

// Store reads and writes run artifacts.
type Store struct {
	taskDir      string
	reportDir    string
	reportFormat ReportFormat
	formats      *model.FormatRegistry
	logger       *slog.Logger
}

// New creates a Store, creating both directories if needed.
func New(taskDir, reportDir string, reportFormat ReportFormat, formats *model.FormatRegistry, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{taskDir, reportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	if reportFormat == "" {
		reportFormat = ReportJSON
	}
	if reportFormat != ReportJSON && reportFormat != ReportYAML {
		return nil, fmt.Errorf("unknown report format %q", reportFormat)
	}
	return &Store{
		taskDir:      taskDir,
		reportDir:    reportDir,
		reportFormat: reportFormat,
		formats:      formats,
		logger:       logger.With("component", "artifact-store"),
	}, nil
}

type contextDoc struct {
	JobID   string                   `json:"job_id,omitempty"`
	StepID  string                   `json:"step_id"`
	ID      int                      `json:"id"`
	Name    string                   `json:"name"`
	Inputs  map[string]data.Snapshot `json:"inputs"`
	Outputs map[string]string        `json:"outputs"`
}

type outputsDoc struct {
	Name    string                   `json:"name"`
	Outputs map[string]data.Snapshot `json:"outputs"`
}

func (s *Store) path(name, suffix string) string {
	return filepath.Join(s.taskDir, name+suffix)
}

// SaveContext writes the inputs of tc. Outputs are recorded by format only so
// that business logic can still rename them.
func (s *Store) SaveContext(tc *task.Context) error {
	doc := contextDoc{
		JobID:   tc.JobID,
		StepID:  tc.StepID,
		ID:      tc.ID,
		Name:    tc.Name(),
		Inputs:  make(map[string]data.Snapshot),
		Outputs: make(map[string]string),
	}
	for name, d := range tc.Inputs() {
		doc.Inputs[name] = data.Snap(d)
	}
	for name, d := range tc.Outputs() {
		doc.Outputs[name] = d.Format().Name
	}
	return writeJSON(s.path(tc.Name(), contextSuffix), doc)
}

// SaveResult writes the task result.
func (s *Store) SaveResult(r *task.Result) error {
	return writeJSON(s.path(r.ContextName(), resultSuffix), r)
}

// SaveOutputs writes the final outputs of tc.
func (s *Store) SaveOutputs(tc *task.Context) error {
	doc := outputsDoc{Name: tc.Name(), Outputs: make(map[string]data.Snapshot)}
	for name, d := range tc.Outputs() {
		doc.Outputs[name] = data.Snap(d)
	}
	return writeJSON(s.path(tc.Name(), dataSuffix), doc)
}

// MarkDone writes the completion marker of a task.
func (s *Store) MarkDone(contextName string) error {
	return os.WriteFile(s.path(contextName, doneSuffix), nil, 0o644)
}

// IsDone reports whether the completion marker of a task exists.
func (s *Store) IsDone(contextName string) bool {
	_, err := os.Stat(s.path(contextName, doneSuffix))
	return err == nil
}

// LoadResult reads a persisted task result.
func (s *Store) LoadResult(contextName string) (*task.Result, error) {
	var r task.Result
	if err := readJSON(s.path(contextName, resultSuffix), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadOutputs reads the persisted outputs of a task.
func (s *Store) LoadOutputs(contextName string) (map[string]data.Data, error) {
	var doc outputsDoc
	if err := readJSON(s.path(contextName, dataSuffix), &doc); err != nil {
		return nil, err
	}
	out := make(map[string]data.Data, len(doc.Outputs))
	for name, snap := range doc.Outputs {
		d, err := data.Restore(snap, s.formats)
		if err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", contextName, name, err)
		}
		out[name] = d
	}
	return out, nil
}

// Completed returns the persisted result and outputs of tc when a previous
// run completed the same task, with the same input data, successfully.
func (s *Store) Completed(tc *task.Context) (*task.Result, map[string]data.Data, bool) {
	name := tc.Name()
	if !s.IsDone(name) {
		return nil, nil, false
	}
	var doc contextDoc
	if err := readJSON(s.path(name, contextSuffix), &doc); err != nil {
		s.logger.Warn("unreadable task context", "task", name, "error", err)
		return nil, nil, false
	}
	if !sameInputs(doc.Inputs, tc.Inputs()) {
		s.logger.Info("task inputs changed since previous run", "task", name)
		return nil, nil, false
	}
	r, err := s.LoadResult(name)
	if err != nil || !r.Success() {
		return nil, nil, false
	}
	outputs, err := s.LoadOutputs(name)
	if err != nil {
		s.logger.Warn("unreadable task outputs", "task", name, "error", err)
		return nil, nil, false
	}
	return r, outputs, true
}

func sameInputs(saved map[string]data.Snapshot, current map[string]data.Data) bool {
	if len(saved) != len(current) {
		return false
	}
	for name, d := range current {
		snap, ok := saved[name]
		if !ok || snap.Name != d.Name() || snap.Format != d.Format().Name {
			return false
		}
		elems := d.Elements()
		if snap.List && len(snap.Elements) != len(elems) {
			return false
		}
		for i, e := range elems {
			if snap.List && snap.Elements[i].Name != e.Name() {
				return false
			}
		}
	}
	return true
}

// completedTasks returns the names of the done tasks of stepID ordered by
// task id.
func (s *Store) completedTasks(stepID string) ([]string, error) {
	entries, err := os.ReadDir(s.taskDir)
	if err != nil {
		return nil, err
	}
	prefix := stepID + "_context#"

	type named struct {
		name string
		id   int
	}
	var done []named
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, doneSuffix) {
			continue
		}
		name := strings.TrimSuffix(n, doneSuffix)
		id, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		done = append(done, named{name: name, id: id})
	}
	sort.Slice(done, func(i, j int) bool { return done[i].id < done[j].id })
	out := make([]string, len(done))
	for i, d := range done {
		out[i] = d.name
	}
	return out, nil
}

// StepOutputs returns, per output port, the data produced by the completed
// tasks of stepID in a previous run.
func (s *Store) StepOutputs(stepID string) (map[string][]data.Data, error) {
	names, err := s.completedTasks(stepID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]data.Data)
	for _, name := range names {
		outputs, err := s.LoadOutputs(name)
		if err != nil {
			return nil, err
		}
		ports := make([]string, 0, len(outputs))
		for p := range outputs {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		for _, p := range ports {
			out[p] = append(out[p], outputs[p])
		}
	}
	return out, nil
}

// ExistingOutputs lists the artifacts of stepID left by a previous run.
func (s *Store) ExistingOutputs(stepID string) []string {
	var found []string
	if p := s.ReportPath(stepID); fileExists(p) {
		found = append(found, p)
	}
	names, err := s.completedTasks(stepID)
	if err != nil {
		return found
	}
	for _, name := range names {
		found = append(found, s.path(name, doneSuffix))
	}
	return found
}

// ReportPath returns the path of the report of stepID.
func (s *Store) ReportPath(stepID string) string {
	return filepath.Join(s.reportDir, stepID+".result."+string(s.reportFormat))
}

// WriteReport writes the report of a finished step.
func (s *Store) WriteReport(rep task.Report) error {
	path := s.ReportPath(rep.StepID)
	if s.reportFormat == ReportYAML {
		b, err := yaml.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encode report %s: %w", rep.StepID, err)
		}
		return os.WriteFile(path, b, 0o644)
	}
	return writeJSON(path, rep)
}

// ReadReport reads the report of stepID.
func (s *Store) ReadReport(stepID string) (task.Report, error) {
	var rep task.Report
	path := s.ReportPath(stepID)
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	if s.reportFormat == ReportYAML {
		err = yaml.Unmarshal(b, &rep)
	} else {
		err = json.Unmarshal(b, &rep)
	}
	if err != nil {
		return rep, fmt.Errorf("decode report %s: %w", path, err)
	}
	return rep, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, b, 0o644)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
