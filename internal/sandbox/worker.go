// Package sandbox runs untrusted Action Scripts inside an embedded JavaScript
// VM. A Worker serves one framed message stream: it runs each JOB_START to
// completion in a fresh VM, forwards the script's host API calls as
// ACTION_REQUESTs, and posts exactly one EXECUTION_RESULT per job.
package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/seantiz/anvil/internal/protocol"
)

// DefaultGrace is how long past its deadline a job may run before the worker
// interrupts its own VM.
const DefaultGrace = time.Second

// DefaultDeadline applies to jobs that arrive without a deadline.
const DefaultDeadline = 5 * time.Second

// ErrKilled is returned by Serve after Interrupt.
var ErrKilled = errors.New("sandbox worker killed")

// Worker executes jobs received over a protocol stream. Serve must not be
// called concurrently; Interrupt may be called from any goroutine.
type Worker struct {
	logger *slog.Logger
	grace  time.Duration

	mu       sync.Mutex
	current  *goja.Runtime
	killed   chan struct{}
	killOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithGrace sets the deadline grace period.
func WithGrace(d time.Duration) Option {
	return func(w *Worker) { w.grace = d }
}

// New creates a Worker.
func New(opts ...Option) *Worker {
	w := &Worker{
		logger: slog.Default(),
		grace:  DefaultGrace,
		killed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Serve handles messages from s until the stream ends, ctx is cancelled, or
// the worker is interrupted. It returns nil when the stream is closed by the
// peer.
func (w *Worker) Serve(ctx context.Context, s *protocol.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.killed:
			return ErrKilled
		case m, ok := <-s.Inbox():
			if !ok {
				return nil
			}
			if m.Type != protocol.TypeJobStart {
				w.logger.Debug("dropping message outside a job", "type", m.Type, "job_id", m.JobID)
				continue
			}

			res := w.runJob(ctx, s, m.JobID, *m.Job)
			select {
			case <-w.killed:
				return ErrKilled
			default:
			}
			if err := s.Send(protocol.NewExecutionResult(m.JobID, res)); err != nil {
				w.logger.Error("failed to send execution result", "job_id", m.JobID, "error", err)
				return err
			}
		}
	}
}

// ServeIO serves a new Worker over a reader/writer pair such as a process's
// stdin and stdout.
func ServeIO(ctx context.Context, r io.Reader, wr io.Writer, opts ...Option) error {
	s := protocol.NewStream(r, wr)
	defer s.Close()
	return New(opts...).Serve(ctx, s)
}

// Interrupt stops the running job, if any, and makes Serve return.
func (w *Worker) Interrupt() {
	w.killOnce.Do(func() { close(w.killed) })

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.current.Interrupt(ErrKilled)
	}
}

func (w *Worker) setCurrent(vm *goja.Runtime) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = vm
}
