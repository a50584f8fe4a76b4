package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/me/pipeflow/internal/data"
	"github.com/me/pipeflow/internal/task"
)

// Container engines accepted by the shell module's "container" parameter.
const (
	EngineDocker    = "docker"
	EngineApptainer = "apptainer"
)

// CommandRunner executes an external command in dir.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner runs commands with os/exec. A non-zero exit is reported
// through exitCode, not err.
type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// containerCommand wraps "<shell> -c <command>" in a container run. The
// working directory and every mount are bound at the same path inside the
// container so placeholder paths stay valid.
func containerCommand(engine, image, shell, command, workDir string, mounts []string) (string, []string, error) {
	var args []string
	switch engine {
	case EngineDocker:
		args = []string{"run", "--rm"}
		if workDir != "" {
			args = append(args, "-v", workDir+":"+workDir, "-w", workDir)
		}
		for _, m := range mounts {
			args = append(args, "-v", m+":"+m)
		}
		args = append(args, image)
	case EngineApptainer:
		args = []string{"exec"}
		if workDir != "" {
			args = append(args, "--bind", workDir+":"+workDir, "--pwd", workDir)
		}
		for _, m := range mounts {
			args = append(args, "--bind", m+":"+m)
		}
		args = append(args, "docker://"+image)
	default:
		return "", nil, fmt.Errorf("unknown container engine %q", engine)
	}
	args = append(args, shell, "-c", command)
	return engine, args, nil
}

// mountDirs returns the distinct directories holding the input and output
// files of tc, without workDir.
func mountDirs(tc *task.Context, workDir string) []string {
	seen := map[string]bool{}
	add := func(d data.Data) {
		for _, e := range d.Elements() {
			for _, f := range e.Files() {
				dir := filepath.Dir(f.Path)
				if dir != workDir {
					seen[dir] = true
				}
			}
		}
	}
	for _, name := range tc.InputPorts() {
		d, _ := tc.Input(name)
		add(d)
	}
	for _, name := range tc.OutputPorts() {
		d, _ := tc.Output(name)
		add(d)
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}
