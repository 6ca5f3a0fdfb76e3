// Package control implements the supervisor of SPEC_FULL.md §5.7 (spec.md
// §4.7): it reads a configured symbol universe, launches one ingestor task
// per (exchange, symbol) and one analytics worker per (worker-kind,
// exchange, symbol), restarts any task that exits with jittered backoff,
// and aggregates task liveness for GET /health. Restart-with-backoff is
// grounded on this module's adapter reconnect loop
// (internal/exchange/wsloop.go's RunWSLoop), generalized from one
// WebSocket connection to an arbitrary long-running task.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/orderflow/internal/exchange"
	"github.com/sawpanic/orderflow/internal/gateway"
	"github.com/sawpanic/orderflow/internal/metrics"
)

// Task is one supervised unit of work: any long-running function that
// blocks until ctx is cancelled or it fails.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type taskState struct {
	name            string
	state           string
	lastHeartbeatMs int64
	mu              sync.Mutex
}

func (t *taskState) set(state string) {
	t.mu.Lock()
	t.state = state
	t.lastHeartbeatMs = time.Now().UnixMilli()
	t.mu.Unlock()
}

func (t *taskState) snapshot() gateway.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gateway.TaskStatus{Name: t.name, State: t.state, LastHeartbeatMs: t.lastHeartbeatMs}
}

const (
	taskStateRunning = "running"
	taskStateRestarting = "restarting"
	taskStateStopped = "stopped"
)

// Supervisor launches and restarts a fixed set of tasks, reporting their
// liveness through Statuses (implements gateway.StatusSource).
type Supervisor struct {
	log     zerolog.Logger
	metrics *metrics.Registry
	mu      sync.Mutex
	states  map[string]*taskState
}

func NewSupervisor(log zerolog.Logger, m *metrics.Registry) *Supervisor {
	return &Supervisor{
		log:     log.With().Str("component", "control.supervisor").Logger(),
		metrics: m,
		states:  make(map[string]*taskState),
	}
}

// Run launches every task as its own goroutine and blocks until ctx is
// cancelled, restarting any task that returns with jittered exponential
// backoff (spec.md §4.7, "on task exit, restart with jittered backoff").
func (sv *Supervisor) Run(ctx context.Context, tasks []Task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		st := &taskState{name: t.Name}
		sv.mu.Lock()
		sv.states[t.Name] = st
		sv.mu.Unlock()

		wg.Add(1)
		go func(t Task, st *taskState) {
			defer wg.Done()
			sv.runWithRestart(ctx, t, st)
		}(t, st)
	}
	wg.Wait()
}

func (sv *Supervisor) runWithRestart(ctx context.Context, t Task, st *taskState) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			st.set(taskStateStopped)
			return
		}

		st.set(taskStateRunning)
		err := t.Run(ctx)
		if ctx.Err() != nil {
			st.set(taskStateStopped)
			return
		}
		if err != nil {
			sv.log.Warn().Err(err).Str("task", t.Name).Msg("task exited with error, restarting")
		} else {
			sv.log.Warn().Str("task", t.Name).Msg("task exited, restarting")
		}

		st.set(taskStateRestarting)
		if sv.metrics != nil {
			sv.metrics.RecordTaskRestart(t.Name)
		}
		delay := exchange.FullJitterBackoff(attempt)
		attempt++
		if !sleepCtx(ctx, delay) {
			st.set(taskStateStopped)
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Statuses implements gateway.StatusSource.
func (sv *Supervisor) Statuses() []gateway.TaskStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]gateway.TaskStatus, 0, len(sv.states))
	for _, st := range sv.states {
		out = append(out, st.snapshot())
	}
	return out
}
