package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/hostapi"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/protocol"
	"github.com/seantiz/anvil/internal/scripting"
	"github.com/seantiz/anvil/internal/store"
)

// DefaultTimeoutMS is the script deadline used when neither the request nor
// the engine configuration sets one.
const DefaultTimeoutMS = 5000

// MaxTimeoutMS is the largest deadline a request may ask for.
const MaxTimeoutMS = int64(scripting.MaxTimeout / time.Millisecond)

var (
	// ErrInvalidRequest is returned by Submit and Run for malformed requests.
	ErrInvalidRequest = errors.New("invalid execution request")
	// ErrOverloaded is returned by Submit and Run when the admission check
	// turns the request away. Nothing is recorded.
	ErrOverloaded = errors.New("engine overloaded")
)

// Admitter decides whether new work may be queued.
type Admitter interface {
	Admit() error
}

// Executor runs one script to completion.
type Executor interface {
	Execute(ctx context.Context, args scripting.Args) scripting.Report
}

// Request describes a script to execute.
type Request struct {
	Code       string `json:"code"`
	InputJSON  string `json:"input_json,omitempty"`
	ScriptType string `json:"script_type"`
	Trigger    string `json:"trigger,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
}

// Validate checks the fields every script type needs.
func (r Request) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if r.ScriptType == "" {
		return fmt.Errorf("%w: script_type is required", ErrInvalidRequest)
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidRequest)
	}
	if r.TimeoutMS > MaxTimeoutMS {
		return fmt.Errorf("%w: timeout_ms must be at most %d", ErrInvalidRequest, MaxTimeoutMS)
	}
	return nil
}

// Config holds engine settings.
type Config struct {
	// Isolation is recorded on every execution.
	Isolation string
	// DefaultTimeoutMS applies when a request has no timeout.
	DefaultTimeoutMS int64
	// MaxTimeoutMS caps request timeouts; it defaults to and may not exceed
	// the package MaxTimeoutMS.
	MaxTimeoutMS int64
	// Admitter, if set, is consulted before an execution is recorded.
	Admitter Admitter
}

// Engine persists executions and runs them through an Executor.
type Engine struct {
	store  store.Store
	exec   Executor
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup
	broker *LogBroker
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, exec Executor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxTimeoutMS <= 0 || cfg.MaxTimeoutMS > MaxTimeoutMS {
		cfg.MaxTimeoutMS = MaxTimeoutMS
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = DefaultTimeoutMS
	}
	cfg.DefaultTimeoutMS = min(cfg.DefaultTimeoutMS, cfg.MaxTimeoutMS)
	return &Engine{
		store:  s,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		broker: NewLogBroker(),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Subscribe streams the log lines of an execution. The channel is closed when
// the execution finishes, and is closed at once if it already has. A missing
// execution returns store.ErrNotFound.
func (e *Engine) Subscribe(ctx context.Context, id string) (<-chan model.LogLine, func(), error) {
	// The terminal status is stored before the topic is closed, so a
	// subscriber that still sees a live status here is closed later.
	ch, unsub := e.broker.Subscribe(id)
	ex, err := e.store.GetExecution(ctx, id)
	if err != nil {
		unsub()
		return nil, nil, err
	}
	if model.IsTerminal(ex.Status) {
		unsub()
		done := make(chan model.LogLine)
		close(done)
		return done, func() {}, nil
	}
	return ch, unsub, nil
}

// Submit records a pending execution and runs it in the background. The
// returned record is the pending one.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Execution, error) {
	ex, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}

	exCopy := *ex
	e.wg.Go(func() {
		e.execute(context.Background(), &exCopy)
	})
	return ex, nil
}

// Run records an execution, runs it, and returns the finished record.
// Cancelling ctx aborts the script.
func (e *Engine) Run(ctx context.Context, req Request) (*model.Execution, error) {
	ex, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	defer e.wg.Done()
	return e.execute(ctx, ex), nil
}

// Wait blocks until all in-flight executions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) create(ctx context.Context, req Request) (*model.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TimeoutMS > e.cfg.MaxTimeoutMS {
		return nil, fmt.Errorf("%w: timeout_ms must be at most %d", ErrInvalidRequest, e.cfg.MaxTimeoutMS)
	}
	if e.cfg.Admitter != nil {
		if err := e.cfg.Admitter.Admit(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
	}
	timeout := req.TimeoutMS
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeoutMS
	}

	ex := &model.Execution{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		ScriptType: req.ScriptType,
		Trigger:    req.Trigger,
		Isolation:  e.cfg.Isolation,
		Code:       req.Code,
		InputJSON:  req.InputJSON,
		TimeoutMS:  timeout,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return ex, nil
}

// execute drives ex through running to a terminal status and returns the
// final record.
func (e *Engine) execute(ctx context.Context, ex *model.Execution) *model.Execution {
	defer e.broker.Close(ex.ID)
	logger := e.logger.With("execution_id", ex.ID)

	if err := e.store.UpdateExecutionStatus(context.Background(), ex.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		return e.finish(ex, nil, scripting.Report{
			Result: protocol.Failure(protocol.KindChannel, fmt.Sprintf("failed to start: %v", err)),
		})
	}
	start := time.Now().UTC()

	// Script log lines are persisted for history and published for live
	// subscribers.
	var seq atomic.Int32
	sink := func(level, line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), ex.ID, n, level, line); err != nil {
			logger.Error("failed to persist log line", "seq", n, "error", err)
		}
		e.broker.Publish(model.LogLine{
			ExecutionID: ex.ID,
			Seq:         n,
			Level:       level,
			Line:        line,
			CreatedAt:   time.Now().UTC(),
		})
	}
	runCtx := hostapi.WithLogSink(ctx, sink)
	runCtx = hostapi.WithLogAttrs(runCtx, "execution_id", ex.ID)

	rep := e.exec.Execute(runCtx, scripting.Args{
		Code:       ex.Code,
		InputJSON:  ex.InputJSON,
		ScriptType: ex.ScriptType,
		Trigger:    ex.Trigger,
		TimeoutMS:  ex.TimeoutMS,
	})

	logger.Info("execution finished",
		"status", rep.Result.Status,
		"kind", rep.Result.Kind,
		"worker_id", rep.WorkerID,
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return e.finish(ex, &start, rep)
}

// finish records the terminal outcome. startedAt is nil if the execution
// never started.
func (e *Engine) finish(ex *model.Execution, startedAt *time.Time, rep scripting.Report) *model.Execution {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}

	done := *ex
	done.Status = model.StatusSucceeded
	if !rep.Result.OK() {
		done.Status = model.StatusFailed
		done.ErrorKind = string(rep.Result.Kind)
		done.Error = rep.Result.Error
	}
	done.WorkerID = rep.WorkerID
	done.DurationMS = &durationMS
	done.StartedAt = startedAt
	done.FinishedAt = &now

	if err := e.store.FinishExecution(context.Background(), &done); err != nil {
		e.logger.Error("failed to record execution outcome", "execution_id", ex.ID, "error", err)
	}
	return &done
}
