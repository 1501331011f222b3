package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/fanout"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/atvirokodosprendimai/sitefleet/internal/messaging"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcomes struct {
	mu   sync.Mutex
	got  map[string]error
	done chan struct{}
	want int
}

func newOutcomes(want int) *outcomes {
	return &outcomes{got: map[string]error{}, done: make(chan struct{}), want: want}
}

func (o *outcomes) RecordOutcome(_ context.Context, t fanout.Task, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got[t.Key()] = err
	if len(o.got) == o.want {
		close(o.done)
	}
}

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	ns, err := messaging.StartEmbedded("", t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)
	nc, err := messaging.Connect(ns.ClientURL(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestDispatcherRetriesAndIsolatesFailures(t *testing.T) {
	js := startJetStream(t)

	var mu sync.Mutex
	calls := map[string]int{}
	exec := ExecutorFunc(func(_ context.Context, task fanout.Task) error {
		mu.Lock()
		calls[task.Key()]++
		n := calls[task.Key()]
		mu.Unlock()
		switch task.Kind {
		case fanout.TaskHomepage:
			if n == 1 {
				return errors.New("worker busy")
			}
		case fanout.TaskCategory:
			return errors.New("always broken")
		}
		return nil
	})

	rec := newOutcomes(3)
	d, err := New(js, exec, rec, Options{MaxAttempts: 2, RetryDelay: 50 * time.Millisecond, TaskTimeout: time.Second},
		logger.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	tasks := []fanout.Task{
		{SiteID: 1, Kind: fanout.TaskPage, TargetID: 7, BatchID: "b1"},
		{SiteID: 1, Kind: fanout.TaskHomepage, BatchID: "b1"},
		{SiteID: 1, Kind: fanout.TaskCategory, TargetID: 3, BatchID: "b1"},
	}
	require.NoError(t, d.Enqueue(ctx, tasks))

	select {
	case <-rec.done:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for task outcomes")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NoError(t, rec.got[tasks[0].Key()])
	assert.NoError(t, rec.got[tasks[1].Key()])
	assert.EqualError(t, rec.got[tasks[2].Key()], "always broken")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls[tasks[0].Key()])
	assert.Equal(t, 2, calls[tasks[1].Key()])
	assert.Equal(t, 2, calls[tasks[2].Key()])
}

func TestDispatcherPermanentErrorsAreNotRetried(t *testing.T) {
	js := startJetStream(t)

	var mu sync.Mutex
	calls := 0
	exec := ExecutorFunc(func(context.Context, fanout.Task) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return Permanent(errors.New("worker inactive"))
	})
	rec := newOutcomes(1)
	d, err := New(js, exec, rec, Options{MaxAttempts: 5, RetryDelay: 10 * time.Millisecond}, logger.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Enqueue(ctx, []fanout.Task{{SiteID: 2, Kind: fanout.TaskHomepage, BatchID: "b2"}}))
	select {
	case <-rec.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task outcome")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEnqueueSuppressesDuplicateMessages(t *testing.T) {
	js := startJetStream(t)
	d, err := New(js, ExecutorFunc(func(context.Context, fanout.Task) error { return nil }), nil, Options{},
		logger.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)

	task := fanout.Task{SiteID: 1, Kind: fanout.TaskPage, TargetID: 1, BatchID: "b"}
	require.NoError(t, d.Enqueue(context.Background(), []fanout.Task{task, task}))

	info, err := js.StreamInfo(messaging.StreamTasks)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)
}

func TestRunBatchContinuesPastFailures(t *testing.T) {
	var ran []uint
	exec := ExecutorFunc(func(_ context.Context, task fanout.Task) error {
		ran = append(ran, task.TargetID)
		switch task.TargetID {
		case 2:
			return errors.New("boom")
		case 3:
			panic("kaboom")
		}
		return nil
	})
	tasks := []fanout.Task{{TargetID: 1}, {TargetID: 2}, {TargetID: 3}, {TargetID: 4}}

	results := RunBatch(context.Background(), tasks, exec, logger.Discard())
	require.Len(t, results, 4)
	assert.Equal(t, []uint{1, 2, 3, 4}, ran)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "boom")
	assert.ErrorContains(t, results[2].Err, "panic: kaboom")
	assert.NoError(t, results[3].Err)
	assert.Equal(t, 2, Failed(results))
}

func TestForEachStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	results := ForEach(ctx, []int{1, 2, 3}, func(_ context.Context, n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
	assert.ErrorIs(t, results[2].Err, context.Canceled)
}

func TestPermanent(t *testing.T) {
	base := errors.New("x")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
