// Package pool keeps a bounded set of reusable execution units. Workers are
// handed out exclusively, recycled after a fixed number of jobs or after an
// unclean job, and replaced so the pool keeps its size.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/worker"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("pool closed")

// State is the lifecycle state of a pooled worker.
type State string

// Worker states.
const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateRetired State = "retired"

	stateSpawning State = "spawning"
)

// Config sizes the pool.
type Config struct {
	// Min workers are started by Initialize and kept alive.
	Min int
	// Max bounds live workers, including ones being spawned.
	Max int
	// RecycleAfterJobs retires a worker once it has run this many jobs.
	// Zero disables count-based recycling.
	RecycleAfterJobs int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Min      int `json:"min"`
	Max      int `json:"max"`
	Live     int `json:"live"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Spawning int `json:"spawning"`
	Waiting  int `json:"waiting"`
	Recycled int `json:"recycled"`
}

// Worker is an execution unit owned by the pool.
type Worker struct {
	id    string
	unit  worker.Unit
	jobs  int
	state State
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Unit returns the worker's execution unit.
func (w *Worker) Unit() worker.Unit { return w.unit }

// Jobs returns how many jobs the worker has been handed, including the
// current one.
func (w *Worker) Jobs() int { return w.jobs }

// grant is delivered to a waiter: a worker, or with w nil a reserved unit of
// capacity the waiter spawns into itself, or an error.
type grant struct {
	w   *Worker
	err error
}

type waiter struct {
	ch chan grant
}

// Pool hands out workers exclusively. It is safe for concurrent use.
type Pool struct {
	spawner worker.Spawner
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	idle     []*Worker
	busy     int
	live     int
	waiters  []*waiter
	closed   bool
	recycled int

	bg sync.WaitGroup
}

// New creates a pool over spawner. Max is raised to Min when smaller and to
// one when unset.
func New(spawner worker.Spawner, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	return &Pool{
		spawner: spawner,
		cfg:     cfg,
		logger:  logger,
	}
}

// Initialize pre-warms Min idle workers.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.Min - p.live
	if need < 0 {
		need = 0
	}
	p.live += need
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for range need {
		g.Go(func() error {
			return p.spawnIdle(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.Info("worker pool ready", "workers", need, "max", p.cfg.Max)
	return nil
}

// Acquire returns an idle worker, spawns one while below Max, or waits in
// FIFO order for a release.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.checkoutLocked(w)
		p.mu.Unlock()
		return w, nil
	}
	if p.live < p.cfg.Max {
		p.live++
		p.updateGaugesLocked()
		p.mu.Unlock()
		return p.spawnBusy(ctx)
	}

	wt := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, wt)
	p.updateGaugesLocked()
	p.mu.Unlock()

	select {
	case g := <-wt.ch:
		return p.accept(ctx, g)
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(wt)
		p.updateGaugesLocked()
		p.mu.Unlock()
		if !removed {
			// A grant was sent before we could leave the queue.
			p.giveBack(<-wt.ch)
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) accept(ctx context.Context, g grant) (*Worker, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.w != nil:
		return g.w, nil
	default:
		return p.spawnBusy(ctx)
	}
}

func (p *Pool) giveBack(g grant) {
	switch {
	case g.err != nil:
	case g.w != nil:
		p.mu.Lock()
		g.w.jobs--
		p.mu.Unlock()
		p.Release(g.w, false)
	default:
		p.mu.Lock()
		p.live--
		p.grantCapacityLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}

// Release returns a worker after a job. A dirty worker, or one that reached
// RecycleAfterJobs, is killed and replaced; otherwise it goes to the longest
// waiter or back to the idle set.
func (p *Pool) Release(w *Worker, dirty bool) {
	p.mu.Lock()
	if w.state != StateBusy {
		p.mu.Unlock()
		return
	}
	p.busy--

	if p.closed {
		w.state = StateRetired
		p.live--
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.kill(w)
		return
	}

	reason := ""
	switch {
	case dirty:
		reason = reasonDirty
	case p.cfg.RecycleAfterJobs > 0 && w.jobs >= p.cfg.RecycleAfterJobs:
		reason = reasonJobs
	case exited(w):
		reason = reasonExited
	}

	if reason == "" {
		p.releaseLocked(w)
		p.mu.Unlock()
		return
	}

	// The retired worker's slot passes to its replacement, so live is unchanged.
	w.state = StateRetired
	p.recycled++
	p.updateGaugesLocked()
	p.mu.Unlock()

	recycledTotal.WithLabelValues(reason).Inc()
	p.logger.Debug("recycling worker", "worker_id", w.id, "reason", reason, "jobs", w.jobs)
	p.kill(w)
	p.spawnBackground()
}

// Shutdown kills idle workers and fails pending Acquire calls. Workers still
// busy are killed when released. It waits for in-flight replacement spawns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	for _, w := range idle {
		w.state = StateRetired
		p.live--
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, wt := range waiters {
		wt.ch <- grant{err: ErrPoolClosed}
	}
	for _, w := range idle {
		p.kill(w)
	}

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	return Stats{
		Min:      p.cfg.Min,
		Max:      p.cfg.Max,
		Live:     p.live,
		Idle:     len(p.idle),
		Busy:     p.busy,
		Spawning: p.live - len(p.idle) - p.busy,
		Waiting:  len(p.waiters),
		Recycled: p.recycled,
	}
}

// spawn starts a unit. The caller must already hold a live reservation.
func (p *Pool) spawn(ctx context.Context) (*Worker, error) {
	id := "w_" + ulid.Make().String()
	unit, err := p.spawner.Spawn(ctx, id)
	if err != nil {
		spawnFailuresTotal.Inc()
		p.logger.Error("failed to spawn worker", "worker_id", id, "error", err)
		return nil, err
	}

	w := &Worker{id: id, unit: unit, state: stateSpawning}
	go p.watch(w)
	return w, nil
}

// spawnBusy spawns into a reservation and hands the worker to the caller.
func (p *Pool) spawnBusy(ctx context.Context) (*Worker, error) {
	w, err := p.spawn(ctx)
	if err != nil {
		p.unreserve()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.kill(w)
		return nil, ErrPoolClosed
	}
	p.checkoutLocked(w)
	p.mu.Unlock()
	return w, nil
}

// spawnIdle spawns into a reservation and releases the worker normally.
func (p *Pool) spawnIdle(ctx context.Context) error {
	w, err := p.spawn(ctx)
	if err != nil {
		p.unreserve()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.live--
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.kill(w)
		return ErrPoolClosed
	}
	p.releaseLocked(w)
	p.mu.Unlock()
	return nil
}

func (p *Pool) spawnBackground() {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if err := p.spawnIdle(context.Background()); err != nil && !errors.Is(err, ErrPoolClosed) {
			p.logger.Error("failed to replace worker", "error", err)
		}
	}()
}

// unreserve gives back a reservation whose spawn failed.
func (p *Pool) unreserve() {
	p.mu.Lock()
	p.live--
	p.grantCapacityLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// watch removes an idle worker whose unit exits and tops the pool back up to
// Min. Busy workers are left to the job that holds them.
func (p *Pool) watch(w *Worker) {
	<-w.unit.Done()

	p.mu.Lock()
	if w.state != StateIdle {
		p.mu.Unlock()
		return
	}
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	w.state = StateRetired
	p.live--
	p.grantCapacityLocked()
	replace := !p.closed && p.live < p.cfg.Min
	if replace {
		p.live++
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	recycledTotal.WithLabelValues(reasonExited).Inc()
	p.logger.Warn("idle worker exited", "worker_id", w.id, "error", w.unit.Err())
	p.kill(w)
	if replace {
		p.spawnBackground()
	}
}

func (p *Pool) checkoutLocked(w *Worker) {
	w.state = StateBusy
	w.jobs++
	p.busy++
	p.updateGaugesLocked()
}

// releaseLocked hands w to the longest waiter, or makes it idle.
func (p *Pool) releaseLocked(w *Worker) {
	if len(p.waiters) > 0 {
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.checkoutLocked(w)
		wt.ch <- grant{w: w}
		return
	}
	w.state = StateIdle
	p.idle = append(p.idle, w)
	p.updateGaugesLocked()
}

// grantCapacityLocked hands freed capacity to waiters, who spawn their own
// workers.
func (p *Pool) grantCapacityLocked() {
	for len(p.waiters) > 0 && p.live < p.cfg.Max && !p.closed {
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.live++
		wt.ch <- grant{}
	}
}

func (p *Pool) removeWaiterLocked(wt *waiter) bool {
	for i, x := range p.waiters {
		if x == wt {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) updateGaugesLocked() {
	s := p.statsLocked()
	poolWorkers.WithLabelValues(string(StateIdle)).Set(float64(s.Idle))
	poolWorkers.WithLabelValues(string(StateBusy)).Set(float64(s.Busy))
	poolWorkers.WithLabelValues(string(stateSpawning)).Set(float64(s.Spawning))
	poolWaiters.Set(float64(s.Waiting))
}

func (p *Pool) kill(w *Worker) {
	if err := w.unit.Kill(); err != nil {
		p.logger.Warn("failed to kill worker", "worker_id", w.id, "error", err)
	}
}

func exited(w *Worker) bool {
	select {
	case <-w.unit.Done():
		return true
	default:
		return false
	}
}
