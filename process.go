package devsession

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
)

// childProcess bundles a started helper process with its piped stdio, the
// three channels the Child Supervisor (C1) owns exclusively (spec §3).
type childProcess struct {
	cmd    *exec.Cmd
	stdin  *inWriter
	stdout *outReader
	stderr *outReader
}

// sessionArgs builds the helper's argv for an interactive session (spec
// §4.1, §6): -d <device> -b <baud>, plus --listen when a hard-reset follow
// callback was requested.
func sessionArgs(deviceID string, baudRate int, listen bool) []string {
	args := []string{"-d", deviceID, "-b", strconv.Itoa(baudRate)}
	if listen {
		args = append(args, "--listen")
	}
	return args
}

// scanArgs builds the helper's argv for a one-shot port enumeration.
func scanArgs() []string {
	return []string{"--scan-ports"}
}

// spawnHelperWithArgs starts the helper binary with the given arguments,
// piping its stdio and running it hidden where the platform exposes such a
// flag (spec §4.1, §6). Working directory defaults to the helper's own
// install directory.
func spawnHelperWithArgs(ctx context.Context, cfg *Config, args []string) (*childProcess, error) {
	cmd := exec.CommandContext(ctx, cfg.HelperPath, args...)
	if cfg.HelperWorkDir != "" {
		cmd.Dir = cfg.HelperWorkDir
	} else {
		cmd.Dir = filepath.Dir(cfg.HelperPath)
	}
	applyHiddenWindow(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("devsession: open helper stdin: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("devsession: open helper stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("devsession: open helper stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("devsession: start helper: %w", err)
	}

	return &childProcess{
		cmd:    cmd,
		stdin:  &inWriter{w: stdinPipe},
		stdout: &outReader{r: stdoutPipe},
		stderr: &outReader{r: stderrPipe},
	}, nil
}

// inWriter and outReader exist so tests can substitute in-memory pipes for
// the *os.File-backed ones exec.Cmd normally returns, without the rest of
// the package caring about the concrete type.
type inWriter struct{ w interface{ Write([]byte) (int, error) } }

func (i *inWriter) Write(p []byte) (int, error) { return i.w.Write(p) }

type outReader struct{ r interface{ Read([]byte) (int, error) } }

func (o *outReader) Read(p []byte) (int, error) { return o.r.Read(p) }
