package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

// WorkerIDEnv carries the slot id into a worker process.
const WorkerIDEnv = "ROSTER_WORKER_ID"

// ProcessLauncher re-executes a binary once per worker slot.
type ProcessLauncher struct {
	Path string
	// Args builds the argument list for worker id.
	Args   func(id int) []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// SelfLauncher re-executes the running binary as "<self> worker --id=N".
func SelfLauncher(extra ...string) (*ProcessLauncher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessLauncher{
		Path: self,
		Args: func(id int) []string {
			return append([]string{"worker", "--id=" + strconv.Itoa(id)}, extra...)
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

func (l *ProcessLauncher) Start(_ context.Context, id int) (Worker, error) {
	var args []string
	if l.Args != nil {
		args = l.Args(id)
	}
	// The supervisor stops workers itself; a CommandContext kill would skip
	// the graceful signal.
	cmd := exec.Command(l.Path, args...)
	cmd.Env = append(append(os.Environ(), l.Env...), WorkerIDEnv+"="+strconv.Itoa(id))
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Wait() error {
	<-p.done
	return p.err
}

// Stop sends SIGTERM and kills the process if it outlives ctx.
func (p *process) Stop(ctx context.Context) error {
	var serr error
	p.once.Do(func() {
		serr = p.cmd.Process.Signal(syscall.SIGTERM)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	<-p.done
	if serr != nil {
		return serr
	}
	return ctx.Err()
}
