package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/hostapi"
	"github.com/seantiz/anvil/internal/limiter"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/protocol"
	"github.com/seantiz/anvil/internal/scripting"
	"github.com/seantiz/anvil/internal/store"
	"github.com/seantiz/anvil/internal/worker/thread"
)

var discard = slog.New(slog.NewJSONHandler(io.Discard, nil))

// fakeExecutor is a configurable Executor for engine tests.
type fakeExecutor struct {
	delay  time.Duration
	result protocol.ExecutionResult
	logs   []string
	gotArg chan scripting.Args
}

func (f *fakeExecutor) Execute(ctx context.Context, args scripting.Args) scripting.Report {
	if f.gotArg != nil {
		f.gotArg <- args
	}
	if sink := hostapi.LogSinkFrom(ctx); sink != nil {
		for _, l := range f.logs {
			sink("info", l)
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return scripting.Report{Result: protocol.Failure(protocol.KindChannel, "execution cancelled")}
	}
	res := f.result
	if res.Status == "" {
		res = protocol.Success()
	}
	return scripting.Report{Result: res, WorkerID: "w_fake", Duration: f.delay}
}

func newTestEngine(t *testing.T, exec engine.Executor) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng := engine.NewEngine(s, exec, engine.Config{Isolation: "thread", DefaultTimeoutMS: 2000}, discard)
	t.Cleanup(eng.Wait)
	return eng, s
}

func scheduled(code string) engine.Request {
	return engine.Request{Code: code, ScriptType: model.ScriptScheduledTask}
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == expected {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond, logs: []string{"one", "two"}}
	eng, s := newTestEngine(t, exec)

	ex, err := eng.Submit(context.Background(), scheduled("export default () => {}"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ex.Status != model.StatusPending {
		t.Errorf("returned status = %q, want pending", ex.Status)
	}

	done := waitForStatus(t, s, ex.ID, model.StatusSucceeded, 5*time.Second)
	if done.WorkerID != "w_fake" {
		t.Errorf("worker_id = %q", done.WorkerID)
	}
	if done.DurationMS == nil || *done.DurationMS <= 0 {
		t.Errorf("duration_ms = %v, want > 0", done.DurationMS)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("started_at or finished_at is nil")
	}
	if done.Isolation != "thread" || done.TimeoutMS != 2000 {
		t.Errorf("isolation/timeout = %q/%d", done.Isolation, done.TimeoutMS)
	}

	lines, err := s.GetLogLines(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 || lines[0].Line != "one" || lines[1].Seq != 1 {
		t.Errorf("log lines = %+v", lines)
	}
}

func TestSubmitScriptFailure(t *testing.T) {
	exec := &fakeExecutor{result: protocol.Failure(protocol.KindSecurity, "Security Error: Access denied.")}
	eng, s := newTestEngine(t, exec)

	ex, err := eng.Submit(context.Background(), scheduled("x"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, s, ex.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorKind != string(protocol.KindSecurity) || !strings.HasPrefix(failed.Error, "Security Error") {
		t.Errorf("error = %q (%q)", failed.Error, failed.ErrorKind)
	}
}

func TestSubmitPassesRequestThrough(t *testing.T) {
	exec := &fakeExecutor{gotArg: make(chan scripting.Args, 1)}
	eng, _ := newTestEngine(t, exec)

	_, err := eng.Submit(context.Background(), engine.Request{
		Code:       "export default { get() {} };",
		InputJSON:  `{"q":1}`,
		ScriptType: model.ScriptEndpointRequest,
		Trigger:    "GET",
		TimeoutMS:  750,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := <-exec.gotArg
	want := scripting.Args{
		Code:       "export default { get() {} };",
		InputJSON:  `{"q":1}`,
		ScriptType: model.ScriptEndpointRequest,
		Trigger:    "GET",
		TimeoutMS:  750,
	}
	if got != want {
		t.Errorf("args = %+v, want %+v", got, want)
	}
}

func TestSubmitInvalidRequest(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeExecutor{})

	tests := []engine.Request{
		{ScriptType: model.ScriptScheduledTask},
		{Code: "x"},
		{Code: "x", ScriptType: model.ScriptScheduledTask, TimeoutMS: -1},
	}
	for _, req := range tests {
		if _, err := eng.Submit(context.Background(), req); !errors.Is(err, engine.ErrInvalidRequest) {
			t.Errorf("Submit(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestRunReturnsFinishedRecord(t *testing.T) {
	eng, s := newTestEngine(t, &fakeExecutor{delay: 5 * time.Millisecond})

	ex, err := eng.Run(context.Background(), scheduled("export default () => {}"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.Status != model.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", ex.Status)
	}

	stored, err := s.GetExecution(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != model.StatusSucceeded {
		t.Errorf("stored status = %q", stored.Status)
	}
}

func TestRunCancelled(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeExecutor{delay: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ex, err := eng.Run(ctx, scheduled("x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.Status != model.StatusFailed || ex.ErrorKind != string(protocol.KindChannel) {
		t.Errorf("got %s/%s, want failed/channel", ex.Status, ex.ErrorKind)
	}
}

func TestSubmitClosesLogStream(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeExecutor{delay: 50 * time.Millisecond, logs: []string{"hello"}})

	ex, err := eng.Submit(context.Background(), scheduled("x"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub, err := eng.Subscribe(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("log stream was not closed")
	}
}

func TestSubscribeAfterFinish(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeExecutor{logs: []string{"gone"}})

	ex, err := eng.Run(context.Background(), scheduled("x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ch, unsub, err := eng.Subscribe(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("got a line for a finished execution")
		}
	case <-time.After(time.Second):
		t.Fatal("channel for a finished execution is not closed")
	}
	if n := engine.TopicCount(eng.Broker()); n != 0 {
		t.Errorf("topics after finished executions = %d, want 0", n)
	}
}

func TestSubscribeUnknownExecution(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeExecutor{})
	if _, _, err := eng.Subscribe(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Subscribe() error = %v, want ErrNotFound", err)
	}
	if n := engine.TopicCount(eng.Broker()); n != 0 {
		t.Errorf("topics = %d, want 0", n)
	}
}

func TestTimeoutCeiling(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	eng := engine.NewEngine(s, &fakeExecutor{}, engine.Config{MaxTimeoutMS: 1000}, discard)
	t.Cleanup(eng.Wait)

	for _, timeout := range []int64{1001, engine.MaxTimeoutMS + 1, 1 << 62} {
		req := scheduled("x")
		req.TimeoutMS = timeout
		if _, err := eng.Run(context.Background(), req); !errors.Is(err, engine.ErrInvalidRequest) {
			t.Errorf("Run(timeout_ms=%d) error = %v, want ErrInvalidRequest", timeout, err)
		}
	}

	req := scheduled("x")
	req.TimeoutMS = 1000
	ex, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run at the ceiling: %v", err)
	}
	if ex.TimeoutMS != 1000 {
		t.Errorf("timeout_ms = %d, want 1000", ex.TimeoutMS)
	}

	// The default never exceeds the ceiling.
	ex, err = eng.Run(context.Background(), scheduled("x"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.TimeoutMS != 1000 {
		t.Errorf("default timeout_ms = %d, want 1000", ex.TimeoutMS)
	}
}

type fullQueue struct{}

func (fullQueue) Admit() error { return limiter.ErrQueueFull }

func TestAdmissionRejected(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	eng := engine.NewEngine(s, &fakeExecutor{}, engine.Config{Admitter: fullQueue{}}, discard)
	t.Cleanup(eng.Wait)

	if _, err := eng.Submit(context.Background(), scheduled("x")); !errors.Is(err, engine.ErrOverloaded) {
		t.Errorf("Submit() error = %v, want ErrOverloaded", err)
	}
	if _, err := eng.Run(context.Background(), scheduled("x")); !errors.Is(err, engine.ErrOverloaded) {
		t.Errorf("Run() error = %v, want ErrOverloaded", err)
	}
	if _, total, _ := s.ListExecutions(context.Background(), 10, 0); total != 0 {
		t.Errorf("recorded %d executions, want 0", total)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t, &fakeExecutor{delay: 30 * time.Millisecond})

	ids := make([]string, 5)
	for i := range ids {
		ex, err := eng.Submit(context.Background(), scheduled("x"))
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
		ids[i] = ex.ID
	}
	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusSucceeded, 5*time.Second)
	}
}

func TestRunWithScriptingRuntime(t *testing.T) {
	reg, err := hostapi.NewDefaultRegistry(hostapi.Options{Logger: discard})
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	p := pool.New(thread.NewSpawner(discard, 20*time.Millisecond), pool.Config{Min: 1, Max: 2}, discard)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	rt := scripting.New(limiter.New(2), p, reg, discard, time.Second)

	eng, s := newTestEngine(t, rt)

	ex, err := eng.Run(context.Background(), engine.Request{
		Code: `
export default async function (input) {
  await kit.log.info("greeting " + input.name);
  await kit.log.audit("audited", { who: input.name });
}
`,
		InputJSON:  `{"name":"ada"}`,
		ScriptType: model.ScriptQueuedTask,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.Status != model.StatusSucceeded {
		t.Fatalf("execution = %+v", ex)
	}
	if !strings.HasPrefix(ex.WorkerID, "w_") {
		t.Errorf("worker_id = %q", ex.WorkerID)
	}

	lines, err := s.GetLogLines(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %+v, want 2", lines)
	}
	var audit *model.LogLine
	for i := range lines {
		if lines[i].Level == "audit" {
			audit = &lines[i]
		}
	}
	if audit == nil || !strings.Contains(audit.Line, `"who":"ada"`) {
		t.Errorf("audit line missing from %+v", lines)
	}

	timedOut, err := eng.Run(context.Background(), engine.Request{
		Code:       `export default () => { while (true) {} }`,
		ScriptType: model.ScriptScheduledTask,
		TimeoutMS:  50,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if timedOut.Status != model.StatusFailed || timedOut.ErrorKind != string(protocol.KindTimeout) {
		t.Errorf("timed out execution = %+v", timedOut)
	}
}
