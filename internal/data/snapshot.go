package data

import (
	"fmt"

	"github.com/me/pipeflow/pkg/model"
)

// Snapshot is the serializable form of a Data value. It is used to persist
// task outputs for resumption and skip replay.
type Snapshot struct {
	Name     string            `json:"name"`
	Format   string            `json:"format"`
	List     bool              `json:"list,omitempty"`
	Files    []string          `json:"files,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Elements []Snapshot        `json:"elements,omitempty"`
}

// Snap captures d. Capturing an element materializes its file paths.
func Snap(d Data) Snapshot {
	s := Snapshot{
		Name:     d.Name(),
		Format:   formatName(d.Format()),
		List:     d.IsList(),
		Metadata: d.Metadata().Map(),
	}
	if d.IsList() {
		for _, e := range d.Elements() {
			s.Elements = append(s.Elements, Snap(e))
		}
		return s
	}
	e := d.(*Element)
	for _, f := range e.Files() {
		s.Files = append(s.Files, f.Path)
	}
	return s
}

// Restore rebuilds a Data value from a snapshot, resolving formats in formats.
func Restore(s Snapshot, formats *model.FormatRegistry) (Data, error) {
	format, ok := formats.Get(s.Format)
	if !ok {
		return nil, fmt.Errorf("restore %q: unknown format %q", s.Name, s.Format)
	}
	if s.List {
		l := NewList(s.Name, format)
		setMetadata(l.Metadata(), s.Metadata)
		for _, es := range s.Elements {
			d, err := Restore(es, formats)
			if err != nil {
				return nil, err
			}
			e, ok := d.(*Element)
			if !ok {
				return nil, fmt.Errorf("restore %q: nested lists are not supported", s.Name)
			}
			l.Append(e)
		}
		return l, nil
	}
	files := make([]File, len(s.Files))
	for i, p := range s.Files {
		files[i] = File{Path: p}
	}
	e := NewElement(s.Name, format, files...)
	setMetadata(e.Metadata(), s.Metadata)
	return e, nil
}

func setMetadata(md *Metadata, m map[string]string) {
	for k, v := range m {
		md.Set(k, v)
	}
}
