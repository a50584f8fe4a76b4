package data

import (
	"fmt"
	"path/filepath"

	"github.com/me/pipeflow/pkg/model"
)

// Naming derives output file names from the producing step, port, and data
// name: <prefix>_<stepId>_<port>_<dataName>[_file<i>]<ext>[<compression>].
type Naming struct {
	Dir         string
	StepID      string
	Port        string
	Format      *model.Format
	Compression model.Compression
}

// File returns the file backing index i of data named name.
func (n Naming) File(name string, index int) File {
	base := fmt.Sprintf("%s_%s_%s_%s", n.Format.FilePrefix(), n.StepID, n.Port, SanitizeName(name))
	if n.Format.IsMultiFile() {
		base = fmt.Sprintf("%s_file%d", base, index)
	}
	return File{Path: filepath.Join(n.Dir, base+n.Format.DefaultExtension()+n.Compression.Extension())}
}

// Placeholder allocates a placeholder element using this naming.
func (n Naming) Placeholder(name string, count int) *Element {
	return NewPlaceholder(name, n.Format, count, n.File)
}

// PlaceholderList allocates an empty list whose members use this naming.
func (n Naming) PlaceholderList(name string) *List {
	return NewPlaceholderList(name, n.Format, func(member string) *Element {
		return n.Placeholder(member, 1)
	})
}
