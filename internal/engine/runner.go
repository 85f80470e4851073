package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bandgrid/internal/store"
)

// Runner executes cycles once or on a fixed interval and keeps the runtime
// status file current.
type Runner struct {
	Engine     *Engine
	Plans      []SymbolPlan
	Interval   time.Duration
	Mode       string
	InstanceID string
	State      *store.Store
	Logger     logrus.FieldLogger

	mu     sync.Mutex
	status store.RuntimeStatus
}

// Run blocks until the single cycle ends (Interval <= 0) or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	if r.Engine == nil {
		return errors.New("runner: engine required")
	}
	log := r.logger()
	startedAt := time.Now().UTC()
	r.mu.Lock()
	r.status = store.RuntimeStatus{
		Mode:       r.Mode,
		InstanceID: r.InstanceID,
		PID:        os.Getpid(),
		StartedAt:  startedAt,
	}
	r.mu.Unlock()
	r.persist("running", nil)
	defer func() {
		r.persist("stopped", runErr)
	}()

	log.WithFields(logrus.Fields{
		"event":    "runner_started",
		"symbols":  len(r.Plans),
		"interval": r.Interval.String(),
	}).Info("runner started")

	var timer *time.Timer
	for {
		res := r.Engine.RunCycle(ctx, r.Plans)
		r.recordCycle(res)
		if r.Interval <= 0 {
			return res.Err()
		}
		if timer == nil {
			timer = time.NewTimer(r.Interval)
			defer timer.Stop()
		} else {
			timer.Reset(r.Interval)
		}
		select {
		case <-ctx.Done():
			log.WithField("event", "runner_stopped").Info("runner stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Status returns a snapshot of the runtime status.
func (r *Runner) Status() store.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.FailedSyms = append([]string(nil), r.status.FailedSyms...)
	return st
}

// Healthy reports an error when an interval runner has not finished a cycle
// for three intervals.
func (r *Runner) Healthy(now time.Time) error {
	st := r.Status()
	if st.State == "stopped" {
		return errors.New("runner stopped")
	}
	if r.Interval <= 0 || st.LastCycleAt == nil {
		return nil
	}
	if age := now.Sub(*st.LastCycleAt); age > 3*r.Interval {
		return fmt.Errorf("last cycle finished %s ago", age.Round(time.Second))
	}
	return nil
}

func (r *Runner) recordCycle(res CycleResult) {
	at := res.StartedAt.Add(res.Duration)
	r.mu.Lock()
	r.status.Cycles++
	r.status.LastRunID = res.RunID
	r.status.LastCycleAt = &at
	r.status.FailedSyms = res.Failed
	r.mu.Unlock()
	r.persist("running", res.Err())
}

func (r *Runner) persist(state string, lastErr error) {
	r.mu.Lock()
	r.status.State = state
	r.status.UpdatedAt = time.Now().UTC()
	r.status.LastError = ""
	if lastErr != nil {
		r.status.LastError = lastErr.Error()
	}
	st := r.status
	r.mu.Unlock()

	if r.State == nil {
		return
	}
	if err := r.State.SaveRuntimeStatus(st); err != nil {
		r.logger().WithField("event", "runtime_status_write_failed").WithError(err).Warn("runtime status write failed")
	}
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return r.Engine.logger
}
