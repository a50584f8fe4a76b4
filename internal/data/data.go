// Package data holds the runtime values flowing through step ports: single
// data elements backed by one or more files, and append-only data lists.
package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/pipeflow/pkg/model"
)

// Data is a value carried by a token: either an *Element or a *List.
type Data interface {
	Name() string
	Format() *model.Format
	IsList() bool
	Metadata() *Metadata
	// Elements returns the element itself for an *Element, or a copy of the
	// members of a *List.
	Elements() []*Element
}

// File is a file backing a data element.
type File struct {
	Path string `json:"path"`
}

// Exists returns true if the file is present on disk.
func (f File) Exists() bool {
	if f.Path == "" {
		return false
	}
	_, err := os.Stat(f.Path)
	return err == nil
}

// Base returns the last element of the file path.
func (f File) Base() string {
	return filepath.Base(f.Path)
}

func (f File) String() string {
	return f.Path
}

// Namer computes the file backing index i of a placeholder element named name.
type Namer func(name string, index int) File

// Element is a single data value. Its files are either given explicitly or
// derived on first access from its name through a Namer. Once a file path has
// been read the element can no longer be renamed.
type Element struct {
	mu       sync.Mutex
	name     string
	format   *model.Format
	metadata *Metadata
	files    []File
	namer    Namer
	count    int
	frozen   bool
}

// NewElement creates an element backed by the given files.
func NewElement(name string, format *model.Format, files ...File) *Element {
	return &Element{
		name:     name,
		format:   format,
		metadata: NewMetadata(),
		files:    files,
		count:    len(files),
	}
}

// NewPlaceholder creates an element whose count files are named by namer.
// It is used for task outputs that do not exist yet.
func NewPlaceholder(name string, format *model.Format, count int, namer Namer) *Element {
	if count < 1 {
		count = 1
	}
	return &Element{
		name:     name,
		format:   format,
		metadata: NewMetadata(),
		namer:    namer,
		count:    count,
	}
}

func (e *Element) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *Element) Format() *model.Format { return e.format }
func (e *Element) IsList() bool          { return false }
func (e *Element) Metadata() *Metadata   { return e.metadata }
func (e *Element) Elements() []*Element  { return []*Element{e} }

// SetName renames the element. It fails with model.ErrDataNameFrozen once a
// backing file path was materialized.
func (e *Element) SetName(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return fmt.Errorf("rename %q to %q: %w", e.name, name, model.ErrDataNameFrozen)
	}
	e.name = name
	return nil
}

// FileCount returns the number of files backing the element.
func (e *Element) FileCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// File returns the first backing file.
func (e *Element) File() File {
	return e.FileAt(0)
}

// FileAt returns the backing file at index i. Multi-file formats address
// their files by index. An out of range index yields the zero File.
func (e *Element) FileAt(i int) File {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= e.count {
		return File{}
	}
	e.frozen = true
	if e.namer != nil {
		return e.namer(e.name, i)
	}
	return e.files[i]
}

// Files returns every backing file.
func (e *Element) Files() []File {
	n := e.FileCount()
	out := make([]File, n)
	for i := 0; i < n; i++ {
		out[i] = e.FileAt(i)
	}
	return out
}

func (e *Element) String() string {
	return fmt.Sprintf("%s[%s]", e.Name(), formatName(e.format))
}

// List is an ordered, append-only sequence of elements built incrementally as
// a producer yields members.
type List struct {
	mu       sync.Mutex
	name     string
	format   *model.Format
	metadata *Metadata
	elements []*Element
	factory  func(name string) *Element
}

// NewList creates an empty list.
func NewList(name string, format *model.Format) *List {
	return &List{name: name, format: format, metadata: NewMetadata()}
}

// NewPlaceholderList creates an empty list whose members are allocated by
// factory when a producer calls AddElement.
func NewPlaceholderList(name string, format *model.Format, factory func(name string) *Element) *List {
	l := NewList(name, format)
	l.factory = factory
	return l
}

func (l *List) Name() string          { return l.name }
func (l *List) Format() *model.Format { return l.format }
func (l *List) IsList() bool          { return true }
func (l *List) Metadata() *Metadata   { return l.metadata }

// Elements returns a copy of the list members in insertion order.
func (l *List) Elements() []*Element {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Element, len(l.elements))
	copy(out, l.elements)
	return out
}

// Size returns the number of members.
func (l *List) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.elements)
}

// Append adds members to the end of the list.
func (l *List) Append(elems ...*Element) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.elements = append(l.elements, elems...)
}

// AddElement allocates a new member through the list factory. An empty name
// is replaced by a generated one.
func (l *List) AddElement(name string) (*Element, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.factory == nil {
		return nil, fmt.Errorf("list %q: cannot allocate elements", l.name)
	}
	if name == "" {
		name = fmt.Sprintf("%s%d", l.name, len(l.elements)+1)
	}
	e := l.factory(name)
	l.elements = append(l.elements, e)
	return e, nil
}

func (l *List) String() string {
	return fmt.Sprintf("%s[%s x%d]", l.name, formatName(l.format), l.Size())
}

// SanitizeName makes name safe for use in file names.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "data"
	}
	return b.String()
}

func formatName(f *model.Format) string {
	if f == nil {
		return "?"
	}
	return f.Name
}
