package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/pipeflow/internal/ctxlog"
	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/port"
	"github.com/me/pipeflow/internal/task"
	"github.com/me/pipeflow/pkg/model"
)

// ShellName is the registry name of the Shell module.
const ShellName = "shell"

// Shell runs a shell command per task. Ports are declared by parameters:
//
//	input.<port>:  <format>[,list][,optional]
//	output.<port>: <format>[,gzip|bzip2]
//	command:       the command template
//	shell:         interpreter, default /bin/sh
//	image:         run the command in this container image
//	container:     container engine, docker (default) or apptainer
//
// The template may reference {in.<port>} and {out.<port>}, replaced by the
// space separated file paths of the port data, and {task}, replaced by the
// task context name.
type Shell struct {
	command string
	shell   string
	image   string
	engine  string
	inputs  []port.Spec
	outputs []port.Spec
	runner  CommandRunner
}

func (m *Shell) Name() string    { return ShellName }
func (m *Shell) Version() string { return "1.0" }

func (m *Shell) Configure(params model.Parameters) error {
	m.shell = "/bin/sh"
	m.engine = EngineDocker
	for _, p := range params {
		switch {
		case p.Name == "command":
			m.command = p.Value
		case p.Name == "shell":
			m.shell = p.Value
		case p.Name == "image":
			m.image = p.Value
		case p.Name == "container":
			m.engine = p.Value
		case strings.HasPrefix(p.Name, "input."):
			spec, err := parseInputSpec(strings.TrimPrefix(p.Name, "input."), p.Value)
			if err != nil {
				return err
			}
			m.inputs = append(m.inputs, spec)
		case strings.HasPrefix(p.Name, "output."):
			spec, err := parseOutputSpec(strings.TrimPrefix(p.Name, "output."), p.Value)
			if err != nil {
				return err
			}
			m.outputs = append(m.outputs, spec)
		default:
			return fmt.Errorf("shell: unknown parameter %q", p.Name)
		}
	}
	if strings.TrimSpace(m.command) == "" {
		return errors.New("shell: parameter \"command\" is required")
	}
	if m.engine != EngineDocker && m.engine != EngineApptainer {
		return fmt.Errorf("shell: unknown container engine %q", m.engine)
	}
	if m.runner == nil {
		m.runner = osCommandRunner{}
	}
	return nil
}

func (m *Shell) InputSpecs() []port.Spec  { return m.inputs }
func (m *Shell) OutputSpecs() []port.Spec { return m.outputs }

func (m *Shell) Execute(ctx context.Context, tc *task.Context, status *task.Status) *task.Result {
	logger := ctxlog.FromContext(ctx)

	pairs := []string{"{task}", tc.Name()}
	for _, name := range tc.InputPorts() {
		d, _ := tc.Input(name)
		pairs = append(pairs, "{in."+name+"}", joinPaths(d))
	}
	for _, name := range tc.OutputPorts() {
		d, _ := tc.Output(name)
		for _, e := range d.Elements() {
			for _, f := range e.Files() {
				if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
					return status.CreateFailure("create output directory", err)
				}
			}
		}
		pairs = append(pairs, "{out."+name+"}", joinPaths(d))
	}
	command := strings.NewReplacer(pairs...).Replace(m.command)
	status.SetDescription(command)

	name, args := m.shell, []string{"-c", command}
	if m.image != "" {
		var err error
		name, args, err = containerCommand(m.engine, m.image, m.shell, command, tc.OutputDir, mountDirs(tc, tc.OutputDir))
		if err != nil {
			return status.CreateFailure("prepare container", err)
		}
	}

	logger.Info("running command", "command", command, "image", m.image)
	stdout, stderr, exitCode, runErr := m.runner.Run(ctx, tc.OutputDir, name, args...)
	if stdout != "" {
		logger.Info("command stdout", "output", stdout)
	}
	if stderr != "" {
		logger.Info("command stderr", "output", stderr)
	}

	switch {
	case runErr != nil:
		return status.CreateFailure("run command", runErr)
	case exitCode != 0:
		status.SetMessage(strings.TrimSpace(stderr))
		return status.CreateFailure(fmt.Sprintf("command exited with status %d", exitCode), fmt.Errorf("exit status %d", exitCode))
	}

	var missing []string
	for _, name := range tc.OutputPorts() {
		d, _ := tc.Output(name)
		for _, e := range d.Elements() {
			for _, f := range e.Files() {
				if !f.Exists() {
					missing = append(missing, f.Path)
				}
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return status.CreateFailure("command did not create its outputs", fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	status.IncrementCounter("commands", 1)
	return status.CreateSuccess()
}

func joinPaths(d data.Data) string {
	var paths []string
	for _, e := range d.Elements() {
		for _, f := range e.Files() {
			paths = append(paths, f.Path)
		}
	}
	return strings.Join(paths, " ")
}

func parseInputSpec(name, value string) (port.Spec, error) {
	parts := strings.Split(value, ",")
	spec := port.Spec{Name: name, Format: strings.TrimSpace(parts[0])}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "list":
			spec.List = true
		case "optional":
			spec.Optional = true
		case "workdir":
			spec.RequiredInWorkingDir = true
		default:
			return port.Spec{}, fmt.Errorf("shell: input %q: unknown option %q", name, opt)
		}
	}
	if spec.Format == "" {
		return port.Spec{}, fmt.Errorf("shell: input %q: format is required", name)
	}
	return spec, nil
}

func parseOutputSpec(name, value string) (port.Spec, error) {
	parts := strings.Split(value, ",")
	spec := port.Spec{Name: name, Format: strings.TrimSpace(parts[0]), Compression: model.CompressionNone}
	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		if opt == "list" {
			return port.Spec{}, fmt.Errorf("shell: output %q: list outputs are not supported", name)
		}
		c, err := model.ParseCompression(opt)
		if err != nil {
			return port.Spec{}, fmt.Errorf("shell: output %q: %w", name, err)
		}
		spec.Compression = c
	}
	if spec.Format == "" {
		return port.Spec{}, fmt.Errorf("shell: output %q: format is required", name)
	}
	return spec, nil
}
