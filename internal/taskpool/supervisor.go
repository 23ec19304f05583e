package taskpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/cosim/internal/model"
)

// outcome is a candidate terminal transition for a task.
type outcome struct {
	status model.TaskStatus
	code   int
	err    string
	output []byte
	// cause cancels the task's context; nil for natural completion.
	cause error
}

// finish applies o to t if t is not terminal yet and reports whether it did.
// It is the only place a task becomes terminal, so whichever of completion,
// timeout and kill gets here first decides the outcome.
func (m *Manager) finish(p *pool, t *task, o outcome) bool {
	m.mu.Lock()
	if t.rec.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	wasRunning := t.rec.Status == model.TaskRunning
	now := time.Now().UTC()
	code := o.code
	t.rec.Status = o.status
	t.rec.ReturnCode = &code
	t.rec.Error = o.err
	t.rec.Output = o.output
	t.rec.FinishedAt = &now
	var elapsed time.Duration
	if t.rec.StartedAt != nil {
		elapsed = now.Sub(*t.rec.StartedAt)
		ms := int(elapsed.Milliseconds())
		t.rec.DurationMS = &ms
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel(o.cause)
	}
	if wasRunning {
		p.active--
	}
	close(t.done)
	p.notify()
	rec := t.rec
	m.mu.Unlock()

	// A task that never started has no execution to end its output stream.
	if !wasRunning {
		m.endOutput(t)
	}

	m.ledger("finish task", rec.ID, func(ctx context.Context) error {
		return m.store.FinishTask(ctx, &rec)
	})

	backend := rec.Backend
	if backend == "" {
		backend = "none"
	}
	if wasRunning {
		tasksActive.Dec()
		taskDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	}
	tasksTotal.WithLabelValues(backend, string(rec.Status)).Inc()

	level := slog.LevelInfo
	if rec.Status != model.TaskDone || code != model.ExitSuccess {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "task finished",
		"pool", rec.Pool,
		"task", rec.Name,
		"status", rec.Status,
		"return_code", code,
		"duration_ms", elapsed.Milliseconds(),
	)
	return true
}

// kill finishes t as killed. It is a no-op for a terminal task.
func (m *Manager) kill(p *pool, t *task, cause error) bool {
	return m.finish(p, t, outcome{
		status: model.TaskKilled,
		code:   model.ExitKilled,
		err:    cause.Error(),
		cause:  cause,
	})
}

// expire finishes t as timed out. It runs on the task's timer.
func (m *Manager) expire(p *pool, t *task) {
	cause := fmt.Errorf("task timed out after %s", t.timeout)
	m.finish(p, t, outcome{
		status: model.TaskTimedOut,
		code:   model.ExitTimeout,
		err:    cause.Error(),
		cause:  cause,
	})
}
