// ABOUTME: Spawns agent subprocesses and exposes their standard streams.
// ABOUTME: ExecSpawner runs a real command; tests substitute an in-memory Spawner.

package acp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Process is a running agent with its standard streams attached.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Spawner starts an agent process rooted at dir.
type Spawner interface {
	Spawn(ctx context.Context, dir string) (Process, error)
}

// ExecSpawner starts Command with Args as an operating system process.
// Stderr lines are forwarded to Logger at debug level.
type ExecSpawner struct {
	Command string
	Args    []string
	Env     []string
	Logger  *slog.Logger
}

// Spawn starts the command in dir. The context bounds only the start
// itself; the process outlives it and is ended through Kill or stdin close.
func (s ExecSpawner) Spawn(ctx context.Context, dir string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.Command, err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pid", cmd.Process.Pid)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("agent stderr", "line", scanner.Text())
		}
	}()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// exitCode extracts a process exit status, or -1 when there is none.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
