package cli

import (
	"errors"
	"strings"

	"github.com/me/pipeflow/pkg/model"
)

// FormatError renders err for the terminal. Validation details and
// pre-flight problems are listed one per line.
func FormatError(err error) string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(err.Error())

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		for _, d := range apiErr.Details {
			b.WriteString("\n  - ")
			if d.Field != "" {
				b.WriteString(d.Field)
				b.WriteString(": ")
			}
			b.WriteString(d.Message)
		}
	}
	var pfErr *model.PreflightError
	if errors.As(err, &pfErr) {
		b.WriteString("\n  hint: remove the listed outputs, choose another --output, or pass --resume")
		for _, p := range pfErr.Problems {
			b.WriteString("\n  - ")
			b.WriteString(p)
		}
	}
	return b.String()
}
