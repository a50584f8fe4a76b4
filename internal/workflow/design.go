package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/me/pipeflow/internal/ctxlog"
	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

// Sample is one row of the experimental design.
type Sample struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name,omitempty" json:"name,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	// Files maps a design field, such as "Reads", to the files of the sample.
	Files map[string][]string `yaml:"files,omitempty" json:"files,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s *Sample) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// fieldFiles looks up a design field case-insensitively.
func (s *Sample) fieldFiles(field string) ([]string, bool) {
	for k, v := range s.Files {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

// Design is the run metadata describing the experiment: global metadata and
// the samples with their source files.
type Design struct {
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Samples  []*Sample         `yaml:"samples" json:"samples"`
}

// Provides reports whether the design carries files for format f.
func (d *Design) Provides(f *model.Format) bool {
	if d == nil || f.DesignField == "" {
		return false
	}
	for _, s := range d.Samples {
		if _, ok := s.fieldFiles(f.DesignField); ok {
			return true
		}
	}
	return false
}

// Elements returns one data element per sample carrying files for f. Sample
// metadata is attached to each element.
func (d *Design) Elements(f *model.Format) []*data.Element {
	if d == nil || f.DesignField == "" {
		return nil
	}
	var out []*data.Element
	for _, s := range d.Samples {
		paths, ok := s.fieldFiles(f.DesignField)
		if !ok || len(paths) == 0 {
			continue
		}
		files := make([]data.File, len(paths))
		for i, p := range paths {
			files[i] = data.File{Path: p}
		}
		e := data.NewElement(s.DisplayName(), f, files...)
		md := e.Metadata()
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			md.Set(k, s.Metadata[k])
		}
		md.Set(data.KeySampleID, s.ID)
		md.Set(data.KeySampleName, s.DisplayName())
		if f.IsMultiFile() {
			md.Set(data.KeyPairedEnd, strconv.FormatBool(len(files) > 1))
		}
		out = append(out, e)
	}
	return out
}

// Validate checks sample ids are present and unique.
func (d *Design) Validate() error {
	if d == nil {
		return nil
	}
	seen := make(map[string]bool, len(d.Samples))
	for i, s := range d.Samples {
		if s.ID == "" {
			return fmt.Errorf("design: sample %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("design: duplicate sample id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// designModule is the business logic of the design source step. Its output
// ports are added by the builder, one list port per format consumed from the
// design.
type designModule struct {
	design *Design
}

func (m *designModule) Name() string                     { return "design" }
func (m *designModule) Version() string                  { return "" }
func (m *designModule) Configure(model.Parameters) error { return nil }
func (m *designModule) InputSpecs() []port.Spec          { return nil }
func (m *designModule) OutputSpecs() []port.Spec         { return nil }

func (m *designModule) Execute(ctx context.Context, tc *task.Context, status *task.Status) *task.Result {
	logger := ctxlog.FromContext(ctx)
	for _, name := range tc.OutputPorts() {
		list, err := tc.OutputList(name)
		if err != nil {
			return status.CreateFailure("design output", err)
		}
		elems := m.design.Elements(list.Format())
		list.Append(elems...)
		status.IncrementCounter("design_"+name, int64(len(elems)))
		logger.Info("design data", "port", name, "samples", len(elems))
	}
	status.SetDescription(fmt.Sprintf("%d samples", len(m.design.Samples)))
	return status.CreateSuccess()
}

// noopModule backs the root and terminal steps.
type noopModule struct{ name string }

func (m *noopModule) Name() string                     { return m.name }
func (m *noopModule) Version() string                  { return "" }
func (m *noopModule) Configure(model.Parameters) error { return nil }
func (m *noopModule) InputSpecs() []port.Spec          { return nil }
func (m *noopModule) OutputSpecs() []port.Spec         { return nil }

func (m *noopModule) Execute(_ context.Context, _ *task.Context, status *task.Status) *task.Result {
	return status.CreateSuccess()
}
