// Package scripting runs Action Scripts on pooled sandbox workers. It admits
// jobs through the concurrency limiter, drives the per-job message exchange,
// answers host API calls from the registry, and enforces the job deadline.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/anvil/internal/hostapi"
	"github.com/seantiz/anvil/internal/limiter"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/protocol"
)

// DefaultTimeout applies when Args.TimeoutMS is not positive and the runtime
// was built without one.
const DefaultTimeout = 5 * time.Second

// MaxTimeout caps every script deadline.
const MaxTimeout = time.Hour

// Args describes one script execution.
type Args struct {
	Code       string
	InputJSON  string
	ScriptType string
	Trigger    string
	TimeoutMS  int64
}

// Report is the outcome of Execute together with where and how long it ran.
type Report struct {
	Result   protocol.ExecutionResult
	WorkerID string
	Duration time.Duration
}

// Runtime executes scripts. It is safe for concurrent use.
type Runtime struct {
	limiter        *limiter.Limiter
	pool           *pool.Pool
	registry       *hostapi.Registry
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// New creates a runtime. A non-positive defaultTimeout means DefaultTimeout.
func New(lim *limiter.Limiter, p *pool.Pool, reg *hostapi.Registry, logger *slog.Logger, defaultTimeout time.Duration) *Runtime {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	defaultTimeout = min(defaultTimeout, MaxTimeout)
	return &Runtime{
		limiter:        lim,
		pool:           p,
		registry:       reg,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// ExecuteScript runs one script to completion and returns its result.
func (r *Runtime) ExecuteScript(ctx context.Context, args Args) protocol.ExecutionResult {
	return r.Execute(ctx, args).Result
}

// Execute runs one script to completion. The slot and worker it acquires are
// released on every path; the worker is released dirty when the deadline
// fires, ctx is cancelled, or the channel to the worker fails.
func (r *Runtime) Execute(ctx context.Context, args Args) Report {
	start := time.Now()
	rep := r.execute(ctx, args)
	rep.Duration = time.Since(start)

	res := rep.Result
	label := scriptTypeLabel(args.ScriptType)
	executionsTotal.WithLabelValues(label, string(res.Status), string(res.Kind)).Inc()
	executionDuration.WithLabelValues(label).Observe(rep.Duration.Seconds())
	return rep
}

func (r *Runtime) execute(ctx context.Context, args Args) Report {
	timeout := r.defaultTimeout
	if args.TimeoutMS > 0 {
		timeout = time.Duration(min(args.TimeoutMS, int64(MaxTimeout/time.Millisecond))) * time.Millisecond
	}

	if err := r.limiter.AcquireSlot(ctx); err != nil {
		return Report{Result: protocol.Failure(protocol.KindChannel, fmt.Sprintf("acquire slot: %v", err))}
	}
	defer r.limiter.ReleaseSlot()

	w, err := r.pool.Acquire(ctx)
	if err != nil {
		return Report{Result: protocol.Failure(protocol.KindChannel, fmt.Sprintf("acquire worker: %v", err))}
	}

	j := &job{
		id:       "job_" + ulid.Make().String(),
		worker:   w,
		registry: r.registry,
		logger:   r.logger,
		done:     make(chan struct{}),
	}
	res, dirty := j.run(ctx, args, timeout)
	close(j.done)
	r.pool.Release(w, dirty)

	return Report{Result: res, WorkerID: w.ID()}
}

// job is one execution on an acquired worker. Messages for other job ids on
// the worker's stream are ignored.
type job struct {
	id       string
	worker   *pool.Worker
	registry *hostapi.Registry
	logger   *slog.Logger

	// done is closed once the result is settled; host calls still in flight
	// after that are abandoned.
	done chan struct{}
}

func (j *job) run(ctx context.Context, args Args, timeout time.Duration) (protocol.ExecutionResult, bool) {
	unit := j.worker.Unit()
	logger := j.logger.With("job_id", j.id, "worker_id", j.worker.ID())

	callCtx, cancel := context.WithCancel(hostapi.WithLogAttrs(ctx, "job_id", j.id))
	defer cancel()

	start := protocol.NewJobStart(j.id, protocol.JobStart{
		Code:       args.Code,
		InputJSON:  args.InputJSON,
		ScriptType: args.ScriptType,
		Trigger:    args.Trigger,
		DeadlineMS: timeout.Milliseconds(),
	})
	if err := unit.Send(start); err != nil {
		logger.Error("failed to send job", "error", err)
		return protocol.Failure(protocol.KindChannel, fmt.Sprintf("send job: %v", err)), true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case m, ok := <-unit.Inbox():
			if !ok {
				err := unit.Err()
				logger.Error("worker channel closed", "error", err)
				return protocol.Failure(protocol.KindChannel, channelError(err)), true
			}
			if m.JobID != j.id {
				logger.Debug("dropping message for another job", "type", m.Type, "other_job_id", m.JobID)
				continue
			}
			switch m.Type {
			case protocol.TypeActionRequest:
				go j.handle(callCtx, *m.Request)
			case protocol.TypeExecutionResult:
				return *m.Result, false
			default:
				logger.Warn("unexpected message from worker", "type", m.Type)
			}

		case <-timer.C:
			logger.Warn("script timed out", "timeout_ms", timeout.Milliseconds())
			return protocol.Failure(protocol.KindTimeout,
				fmt.Sprintf("Script execution timed out after %dms", timeout.Milliseconds())), true

		case <-ctx.Done():
			return protocol.Failure(protocol.KindChannel, fmt.Sprintf("execution cancelled: %v", ctx.Err())), true
		}
	}
}

// handle answers one host API call. Handler errors, including unknown
// methods, go back to the script in the response.
func (j *job) handle(ctx context.Context, req protocol.ActionRequest) {
	resp := protocol.ActionResponse{ID: req.ID}
	result, err := j.registry.Invoke(ctx, req.Method, req.Payload)

	outcome := outcomeOK
	switch {
	case errors.Is(err, hostapi.ErrUnknownMethod):
		outcome = outcomeUnknown
		resp.Error = err.Error()
	case err != nil:
		outcome = outcomeError
		resp.Error = err.Error()
	default:
		resp.Result = result
	}
	hostCallsTotal.WithLabelValues(hostCallLabel(req.Method), outcome).Inc()

	select {
	case <-j.done:
		return
	default:
	}
	err = j.worker.Unit().Send(protocol.NewActionResponse(j.id, resp))
	if errors.Is(err, protocol.ErrMessageTooLarge) {
		// Nothing was written; the call still needs exactly one answer.
		j.logger.Warn("host call result too large",
			"job_id", j.id, "method", req.Method, "error", err)
		resp = protocol.ActionResponse{
			ID:    req.ID,
			Error: fmt.Sprintf("result of %s exceeds maximum message size", req.Method),
		}
		err = j.worker.Unit().Send(protocol.NewActionResponse(j.id, resp))
	}
	if err != nil {
		j.logger.Debug("failed to send host call response",
			"job_id", j.id, "method", req.Method, "error", err)
	}
}

func channelError(err error) string {
	if err == nil {
		return "worker channel closed"
	}
	return fmt.Sprintf("worker channel closed: %v", err)
}
