// Package thread runs sandbox workers inside the engine process, each on a
// dedicated OS thread, connected to the host over an in-memory pipe.
package thread

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/protocol"
	"github.com/seantiz/anvil/internal/sandbox"
	"github.com/seantiz/anvil/internal/worker"
)

var errExited = errors.New("thread worker exited")

// Spawner starts thread units.
type Spawner struct {
	logger *slog.Logger
	grace  time.Duration
}

// NewSpawner creates a thread spawner. grace is passed to each sandbox worker
// as its deadline backstop; zero uses the sandbox default.
func NewSpawner(logger *slog.Logger, grace time.Duration) *Spawner {
	return &Spawner{logger: logger, grace: grace}
}

var _ worker.Spawner = (*Spawner)(nil)

// Capabilities describes thread isolation.
func (s *Spawner) Capabilities() worker.Capabilities {
	return worker.Capabilities{
		Isolation:   worker.IsolationThread,
		Description: "fresh JavaScript VM per job on a dedicated OS thread of the engine process",
		KillMode:    "vm interrupt",
	}
}

// Spawn starts a sandbox worker goroutine locked to its own OS thread. The
// thread is discarded when the worker exits.
func (s *Spawner) Spawn(_ context.Context, id string) (worker.Unit, error) {
	hostEnd, workerEnd := net.Pipe()

	opts := []sandbox.Option{sandbox.WithLogger(s.logger.With("worker_id", id))}
	if s.grace > 0 {
		opts = append(opts, sandbox.WithGrace(s.grace))
	}
	sw := sandbox.New(opts...)

	u := &unit{
		id:      id,
		stream:  protocol.NewStream(hostEnd, hostEnd),
		sandbox: sw,
		done:    make(chan struct{}),
	}

	ws := protocol.NewStream(workerEnd, workerEnd)
	go func() {
		// Never unlocked: the runtime terminates the thread when this
		// goroutine exits, taking any VM state with it.
		runtime.LockOSThread()

		err := sw.Serve(context.Background(), ws)
		ws.Close()
		u.exit(err)
	}()

	return u, nil
}

type unit struct {
	id      string
	stream  *protocol.Stream
	sandbox *sandbox.Worker

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

// Kill interrupts the VM and closes the pipe.
func (u *unit) Kill() error {
	u.sandbox.Interrupt()
	return u.stream.Close()
}

func (u *unit) exit(err error) {
	u.mu.Lock()
	if err == nil {
		err = errExited
	}
	u.err = err
	u.mu.Unlock()

	u.stream.Close()
	close(u.done)
}
