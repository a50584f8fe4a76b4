package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/me/pipeflow/internal/ctxlog"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

// ConcatName is the registry name of the Concat module.
const ConcatName = "concat"

// Concat merges every member of a list into a single element by
// concatenating their files. The format parameter selects the data format of
// both ports.
type Concat struct {
	format string
}

func (m *Concat) Name() string    { return ConcatName }
func (m *Concat) Version() string { return "1.0" }

func (m *Concat) Configure(params model.Parameters) error {
	for _, p := range params {
		switch p.Name {
		case "format":
			m.format = p.Value
		default:
			return fmt.Errorf("concat: unknown parameter %q", p.Name)
		}
	}
	if m.format == "" {
		return errors.New("concat: parameter \"format\" is required")
	}
	return nil
}

func (m *Concat) InputSpecs() []port.Spec {
	return []port.Spec{{Name: "input", Format: m.format, List: true}}
}

func (m *Concat) OutputSpecs() []port.Spec {
	return []port.Spec{{Name: "output", Format: m.format}}
}

func (m *Concat) Execute(ctx context.Context, tc *task.Context, status *task.Status) *task.Result {
	in, err := tc.InputList("input")
	if err != nil {
		return status.CreateFailure("concat input", err)
	}
	out, err := tc.OutputElement("output")
	if err != nil {
		return status.CreateFailure("concat output", err)
	}

	path := out.File().Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return status.CreateFailure("create output directory", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return status.CreateFailure("create output", err)
	}
	defer dst.Close()

	var written int64
	for _, e := range in.Elements() {
		if err := ctx.Err(); err != nil {
			return status.CreateFailure("cancelled", err)
		}
		for _, f := range e.Files() {
			n, err := appendFile(dst, f.Path)
			if err != nil {
				return status.CreateFailure(fmt.Sprintf("append %s", e.Name()), err)
			}
			written += n
		}
		status.IncrementCounter("elements", 1)
	}
	if err := dst.Close(); err != nil {
		return status.CreateFailure("close output", err)
	}
	status.IncrementCounter("bytes", written)
	ctxlog.FromContext(ctx).Info("list concatenated", "elements", in.Size(), "bytes", written, "output", path)
	return status.CreateSuccess()
}

func appendFile(dst io.Writer, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return io.Copy(dst, src)
}
