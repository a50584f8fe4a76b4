package dataflow

import (
	"strconv"
	"strings"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/port"
)

// crossProduct enumerates every index tuple over dimensions of the given
// sizes. The first dimension varies slowest.
func crossProduct(sizes []int) [][]int {
	if len(sizes) == 0 {
		return nil
	}
	var combos [][]int
	for i := 0; i < sizes[0]; i++ {
		combos = append(combos, []int{i})
	}
	for _, n := range sizes[1:] {
		var expanded [][]int
		for _, combo := range combos {
			for i := 0; i < n; i++ {
				next := make([]int, len(combo), len(combo)+1)
				copy(next, combo)
				expanded = append(expanded, append(next, i))
			}
		}
		combos = expanded
	}
	return combos
}

func comboKey(combo []int) string {
	parts := make([]string, len(combo))
	for i, v := range combo {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// namingSource picks the input data output names derive from: the first
// single-element input in port declaration order, else the first list input.
func namingSource(ins []*port.InputPort, inputs map[string]data.Data) data.Data {
	var list data.Data
	for _, in := range ins {
		d, ok := inputs[in.Name()]
		if !ok {
			continue
		}
		if !d.IsList() {
			return d
		}
		if list == nil {
			list = d
		}
	}
	return list
}

// fileCount returns the number of files of the first input element of the
// same format as an output, so that paired inputs yield paired outputs.
func fileCount(ins []*port.InputPort, inputs map[string]data.Data, format string) int {
	for _, in := range ins {
		d, ok := inputs[in.Name()]
		if !ok || d.IsList() || d.Format().Name != format {
			continue
		}
		if e, ok := d.(*data.Element); ok && e.FileCount() > 0 {
			return e.FileCount()
		}
	}
	return 1
}
