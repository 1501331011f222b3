// Package dispatch executes fan-out tasks asynchronously on a JetStream work
// queue with at-least-once delivery.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
	"github.com/atvirokodosprendimai/sitefleet/internal/messaging"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

// Executor rebuilds one artifact.
type Executor interface {
	Execute(ctx context.Context, t fanout.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t fanout.Task) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, t fanout.Task) error { return f(ctx, t) }

// Recorder receives the terminal outcome of every task: nil on success, the
// last error once the task is dropped.
type Recorder interface {
	RecordOutcome(ctx context.Context, t fanout.Task, err error)
}

// Options tunes redelivery.
type Options struct {
	MaxAttempts int
	AckWait     time.Duration
	RetryDelay  time.Duration
	TaskTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Minute
	}
	if o.AckWait <= o.TaskTimeout {
		o.AckWait = o.TaskTimeout + time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	return o
}

// Dispatcher publishes tasks and consumes them with a durable queue
// subscription.
type Dispatcher struct {
	js       nats.JetStreamContext
	exec     Executor
	recorder Recorder
	opts     Options
	log      *slog.Logger
	metrics  *metrics
}

// New returns a Dispatcher. recorder may be nil. reg receives the dispatch
// metrics; nil means the default registry.
func New(js nats.JetStreamContext, exec Executor, recorder Recorder, opts Options, log *slog.Logger, reg prometheus.Registerer) (*Dispatcher, error) {
	if err := messaging.EnsureTaskStream(js); err != nil {
		return nil, err
	}
	return &Dispatcher{
		js:       js,
		exec:     exec,
		recorder: recorder,
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  newMetrics(reg),
	}, nil
}

// MessageID is the broker-side dedup id of a task.
func MessageID(t fanout.Task) string {
	return t.BatchID + ":" + t.Key()
}

// Enqueue publishes tasks in order.
func (d *Dispatcher) Enqueue(ctx context.Context, tasks []fanout.Task) error {
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("could not encode task %s: %w", t.Key(), err)
		}
		if _, err := d.js.Publish(messaging.SubjectTaskSite(t.SiteID), data, nats.MsgId(MessageID(t)), nats.Context(ctx)); err != nil {
			return fmt.Errorf("could not publish task %s: %w", t.Key(), err)
		}
		d.metrics.enqueued.With(prometheus.Labels{"kind": string(t.Kind)}).Inc()
	}
	return nil
}

// Run consumes tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.js.QueueSubscribe(messaging.SubjectTasks, messaging.QueueTaskWorkers, func(m *nats.Msg) {
		d.handle(ctx, m)
	},
		nats.Durable(messaging.QueueTaskWorkers),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(d.opts.MaxAttempts),
		nats.AckWait(d.opts.AckWait),
		nats.BindStream(messaging.StreamTasks),
	)
	if err != nil {
		return fmt.Errorf("could not subscribe to tasks: %w", err)
	}
	d.log.Info("dispatcher consuming tasks", "max_attempts", d.opts.MaxAttempts)
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		d.log.Warn("could not drain task subscription", "error", err)
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, m *nats.Msg) {
	var t fanout.Task
	if err := json.Unmarshal(m.Data, &t); err != nil {
		d.log.Error("dropping undecodable task", "subject", m.Subject, "error", err)
		_ = m.Term()
		return
	}
	attempt := 1
	if meta, err := m.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	start := time.Now()
	err := d.execute(ctx, t)
	d.metrics.duration.With(prometheus.Labels{"kind": string(t.Kind)}).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if ackErr := m.Ack(); ackErr != nil {
			d.log.Warn("could not ack task", "task", t.Key(), "error", ackErr)
		}
		d.outcome(ctx, t, "done", nil)
	case IsPermanent(err) || attempt >= d.opts.MaxAttempts:
		d.log.Error("task failed, dropping",
			"site_id", t.SiteID, "task_kind", t.Kind, "target_id", t.TargetID,
			"old_path", t.OldPath, "attempt", attempt, "error", err)
		_ = m.Term()
		d.outcome(ctx, t, "failed", err)
	default:
		d.log.Warn("task failed, retrying",
			"site_id", t.SiteID, "task_kind", t.Kind, "target_id", t.TargetID,
			"attempt", attempt, "error", err)
		_ = m.NakWithDelay(d.opts.RetryDelay)
		d.metrics.results.With(prometheus.Labels{"kind": string(t.Kind), "outcome": "retry"}).Inc()
	}
}

func (d *Dispatcher) outcome(ctx context.Context, t fanout.Task, label string, err error) {
	d.metrics.results.With(prometheus.Labels{"kind": string(t.Kind), "outcome": label}).Inc()
	if d.recorder != nil {
		d.recorder.RecordOutcome(ctx, t, err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, t fanout.Task) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.TaskTimeout)
	defer cancel()
	return Safely(func() error { return d.exec.Execute(ctx, t) })
}

// Safely runs fn, turning a panic into an error.
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
