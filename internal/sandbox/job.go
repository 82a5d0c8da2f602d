package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/seantiz/anvil/internal/actions"
	"github.com/seantiz/anvil/internal/protocol"
)

//go:embed bootstrap.js
var bootstrapSource string

var bootstrapProgram = goja.MustCompile("bootstrap.js", bootstrapSource, true)

var specsJSON = func() string {
	b, err := json.Marshal(actions.All())
	if err != nil {
		panic(err)
	}
	return string(b)
}()

// errDeadline interrupts a VM that outlived its deadline and grace period.
var errDeadline = errors.New("deadline exceeded")

// job is the state of one script execution inside its own VM.
type job struct {
	id     string
	vm     *goja.Runtime
	stream *protocol.Stream

	deliver  goja.Callable
	describe goja.Callable

	// rejected holds promises rejected without a handler, in rejection order.
	rejected []*goja.Promise

	finished bool
	result   protocol.ExecutionResult
}

func (w *Worker) runJob(ctx context.Context, s *protocol.Stream, jobID string, start protocol.JobStart) protocol.ExecutionResult {
	deadline := time.Duration(start.DeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	j := &job{id: jobID, vm: goja.New(), stream: s}

	w.setCurrent(j.vm)
	defer w.setCurrent(nil)
	select {
	case <-w.killed:
		return protocol.Failure(protocol.KindChannel, "worker killed")
	default:
	}

	expired := make(chan struct{})
	backstop := time.AfterFunc(deadline+w.grace, func() {
		close(expired)
		j.vm.Interrupt(errDeadline)
	})
	defer backstop.Stop()

	timedOut := protocol.Failure(protocol.KindTimeout, fmt.Sprintf("Script execution timed out after %dms", deadline.Milliseconds()))

	if err := j.start(start); err != nil {
		return j.settleError(err, timedOut)
	}

	for {
		if j.finished {
			return j.result
		}

		select {
		case <-ctx.Done():
			return protocol.Failure(protocol.KindChannel, ctx.Err().Error())
		case <-w.killed:
			return protocol.Failure(protocol.KindChannel, "worker killed")
		case <-expired:
			return timedOut
		case m, ok := <-s.Inbox():
			if !ok {
				return protocol.Failure(protocol.KindChannel, "host channel closed")
			}
			switch {
			case m.Type == protocol.TypeJobStart:
				w.logger.Warn("job started while busy", "job_id", m.JobID, "running_job_id", jobID)
				busy := protocol.Failure(protocol.KindChannel, "worker is busy")
				_ = s.Send(protocol.NewExecutionResult(m.JobID, busy))
				continue
			case m.JobID != jobID || m.Type != protocol.TypeActionResponse:
				w.logger.Debug("dropping stale message", "type", m.Type, "job_id", m.JobID, "running_job_id", jobID)
				continue
			}

			r := m.Response
			_, err := j.deliver(goja.Undefined(), j.vm.ToValue(r.ID), j.vm.ToValue(string(r.Result)), j.vm.ToValue(r.Error))
			if err != nil {
				return j.settleError(err, timedOut)
			}
			j.checkTurn()
		}
	}
}

// start installs the environment, evaluates the module and kicks off the
// handler.
func (j *job) start(start protocol.JobStart) error {
	vm := j.vm
	vm.SetPromiseRejectionTracker(j.track)

	host := vm.NewObject()
	_ = host.Set("send", j.send)
	_ = host.Set("done", j.done)
	_ = host.Set("uuid", func() string { return uuid.NewString() })

	boot, err := vm.RunProgram(bootstrapProgram)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	install, ok := goja.AssertFunction(boot)
	if !ok {
		return errors.New("bootstrap: not a function")
	}
	apiVal, err := install(goja.Undefined(), host, vm.ToValue(specsJSON))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	api := apiVal.ToObject(vm)

	run, _ := goja.AssertFunction(api.Get("run"))
	j.deliver, _ = goja.AssertFunction(api.Get("deliver"))
	j.describe, _ = goja.AssertFunction(api.Get("describe"))

	mod := compileModule(start.Code)
	prog, err := goja.Compile("script.js", mod.source, false)
	if err != nil {
		return err
	}
	factory, err := vm.RunProgram(prog)
	if err != nil {
		return err
	}

	_, err = run(goja.Undefined(),
		factory,
		vm.ToValue(mod.esm),
		vm.ToValue(start.InputJSON),
		vm.ToValue(start.ScriptType),
		vm.ToValue(start.Trigger),
	)
	if err != nil {
		return err
	}
	j.checkTurn()
	return nil
}

// send posts an ACTION_REQUEST on behalf of the script.
func (j *job) send(call goja.FunctionCall) goja.Value {
	req := protocol.ActionRequest{
		ID:     call.Argument(0).String(),
		Method: call.Argument(1).String(),
	}
	if p := call.Argument(2).String(); p != "" {
		req.Payload = json.RawMessage(p)
	}

	if err := j.stream.Send(protocol.NewActionRequest(j.id, req)); err != nil {
		panic(j.vm.NewGoError(err))
	}
	return goja.Undefined()
}

// done records the settlement of the handler. Only the first outcome counts.
func (j *job) done(kind, msg string) {
	if j.finished {
		return
	}
	j.finished = true
	if kind == "" {
		j.result = protocol.Success()
		return
	}
	j.result = protocol.Failure(protocol.ErrorKind(kind), msg)
}

func (j *job) track(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		j.rejected = append(j.rejected, p)
	case goja.PromiseRejectionHandle:
		for i, r := range j.rejected {
			if r == p {
				j.rejected = append(j.rejected[:i], j.rejected[i+1:]...)
				break
			}
		}
	}
}

// checkTurn runs after the job queue drains. A rejection still unhandled at
// that point ends the job, taking precedence over a handler that settled in
// the same turn.
func (j *job) checkTurn() {
	if len(j.rejected) == 0 {
		return
	}
	reason := j.rejected[0].Result()
	j.rejected = nil

	kind, msg := protocol.KindScript, "Unhandled promise rejection"
	if d, err := j.describe(goja.Undefined(), reason, j.vm.ToValue(true)); err == nil {
		if parts, ok := d.Export().([]any); ok && len(parts) == 2 {
			kind = protocol.ErrorKind(fmt.Sprint(parts[0]))
			msg = fmt.Sprint(parts[1])
		}
	}

	j.finished = true
	j.result = protocol.Failure(kind, msg)
}

// settleError maps a Go-level VM error to a result.
func (j *job) settleError(err error, timedOut protocol.ExecutionResult) protocol.ExecutionResult {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(asError(interrupted.Value()), errDeadline) {
			return timedOut
		}
		return protocol.Failure(protocol.KindChannel, "worker killed")
	}

	var exc *goja.Exception
	if errors.As(err, &exc) && j.describe != nil {
		if d, derr := j.describe(goja.Undefined(), exc.Value(), j.vm.ToValue(false)); derr == nil {
			if parts, ok := d.Export().([]any); ok && len(parts) == 2 {
				return protocol.Failure(protocol.ErrorKind(fmt.Sprint(parts[0])), fmt.Sprint(parts[1]))
			}
		}
	}
	if exc != nil {
		return protocol.Failure(protocol.KindScript, exc.Error())
	}

	return protocol.Failure(protocol.KindScript, err.Error())
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}
