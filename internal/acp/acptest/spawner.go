// ABOUTME: In-memory acp.Spawner that runs scripted agents over io.Pipe.
// ABOUTME: Lets tests exercise the real client without starting processes.

package acptest

import (
	"context"
	"io"
	"sync"

	"github.com/2389/coven-relay/internal/acp"
)

// Spawner starts a fresh Agent from New for every Spawn call.
type Spawner struct {
	New func() *Agent

	mu     sync.Mutex
	agents []*Agent
	dirs   []string
}

// NewSpawner returns a Spawner whose agents are built by newAgent.
func NewSpawner(newAgent func() *Agent) *Spawner {
	return &Spawner{New: newAgent}
}

// Spawn implements acp.Spawner.
func (s *Spawner) Spawn(ctx context.Context, dir string) (acp.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agent := s.New()

	s.mu.Lock()
	s.agents = append(s.agents, agent)
	s.dirs = append(s.dirs, dir)
	s.mu.Unlock()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	runCtx, kill := context.WithCancel(context.Background())

	p := &pipeProcess{
		stdin:   stdinW,
		stdout:  stdoutR,
		agentIn: stdinR,
		kill:    kill,
		done:    make(chan struct{}),
	}
	go func() {
		p.err = agent.Serve(runCtx, stdinR, stdoutW)
		_ = stdoutW.Close()
		_ = stdinR.Close()
		close(p.done)
	}()
	return p, nil
}

// Agents returns every agent spawned so far, oldest first.
func (s *Spawner) Agents() []*Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Agent(nil), s.agents...)
}

// Last returns the most recently spawned agent, or nil.
func (s *Spawner) Last() *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) == 0 {
		return nil
	}
	return s.agents[len(s.agents)-1]
}

// Dirs returns the scope directories passed to Spawn.
func (s *Spawner) Dirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dirs...)
}

type pipeProcess struct {
	stdin   *io.PipeWriter
	stdout  *io.PipeReader
	agentIn *io.PipeReader
	kill    context.CancelFunc
	done    chan struct{}
	err     error
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdout }

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *pipeProcess) Kill() error {
	p.kill()
	_ = p.agentIn.Close()
	return nil
}
