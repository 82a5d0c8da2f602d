// Package process runs each sandbox worker in its own OS process, speaking
// the framed protocol over the child's stdin and stdout.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/seantiz/anvil/internal/protocol"
	"github.com/seantiz/anvil/internal/worker"
)

// Config describes how worker processes are started.
type Config struct {
	// Bin is the worker executable.
	Bin string
	// Args are passed to every worker.
	Args []string
	// Env is the complete environment of the worker. Nothing is inherited
	// from the engine process.
	Env []string
}

// Spawner starts process units.
type Spawner struct {
	cfg    Config
	logger *slog.Logger
}

// NewSpawner creates a process spawner.
func NewSpawner(cfg Config, logger *slog.Logger) *Spawner {
	return &Spawner{cfg: cfg, logger: logger}
}

var _ worker.Spawner = (*Spawner)(nil)

// Capabilities describes process isolation.
func (s *Spawner) Capabilities() worker.Capabilities {
	return worker.Capabilities{
		Isolation:   worker.IsolationProcess,
		Description: "separate worker process with an empty environment and its own process group",
		KillMode:    "SIGKILL",
	}
}

// Spawn starts a worker process.
func (s *Spawner) Spawn(ctx context.Context, id string) (worker.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.Bin, s.cfg.Args...)
	cmd.Env = append([]string{}, s.cfg.Env...)
	cmd.SysProcAttr = sysProcAttr()

	// Wait must not close stdout before the stream has read it to EOF.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start worker %s: %w", s.cfg.Bin, err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	logger := s.logger.With("worker_id", id, "pid", cmd.Process.Pid)
	u := &unit{
		id:     id,
		cmd:    cmd,
		stream: protocol.NewStream(stdoutR, stdinW),
		done:   make(chan struct{}),
	}

	go forwardStderr(stderrR, logger)
	go func() {
		err := cmd.Wait()
		if err == nil {
			err = errors.New("worker process exited")
		}
		logger.Debug("worker process exited", "error", err)
		u.exit(err)
	}()

	return u, nil
}

// forwardStderr copies the worker's log output into the host logger.
func forwardStderr(r io.ReadCloser, logger *slog.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info("worker output", "line", scanner.Text())
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type unit struct {
	id     string
	cmd    *exec.Cmd
	stream *protocol.Stream

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (u *unit) ID() string                     { return u.id }
func (u *unit) Send(m protocol.Message) error  { return u.stream.Send(m) }
func (u *unit) Inbox() <-chan protocol.Message { return u.stream.Inbox() }
func (u *unit) Done() <-chan struct{}          { return u.done }

func (u *unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Kill sends SIGKILL to the worker's process group and closes its pipes.
func (u *unit) Kill() error {
	select {
	case <-u.done:
		return u.stream.Close()
	default:
	}

	err := killGroup(u.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	if cerr := u.stream.Close(); err == nil {
		err = cerr
	}
	return err
}

func (u *unit) exit(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	close(u.done)
}
