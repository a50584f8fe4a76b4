// Package builtin provides the modules shipped with pipeflow.
package builtin

import "github.com/me/pipeflow/internal/module"

// Register adds every builtin module to reg.
func Register(reg *module.Registry) {
	reg.Register(ShellName, func() module.Module { return &Shell{} })
	reg.Register(ConcatName, func() module.Module { return &Concat{} })
}
