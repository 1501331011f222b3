package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/logger"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu     sync.Mutex
	down   map[string]bool
	probed []string
	// during runs inside Health, between the sweep's List and RecordProbe.
	during func(address string)
}

func (p *fakeProber) Health(_ context.Context, target transport.Target) (spec.HealthResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, target.Address)
	if p.during != nil {
		p.during(target.Address)
	}
	if p.down[target.Address] {
		return spec.HealthResponse{}, errors.New("connection refused")
	}
	return spec.HealthResponse{Status: "healthy"}, nil
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probed)
}

func setup(t *testing.T) (*db.Workers, []*db.WorkerNode) {
	t.Helper()
	gdb, err := db.NewDatabase(filepath.Join(t.TempDir(), "monitor.db"), logger.Discard())
	require.NoError(t, err)
	workers := db.NewWorkers(gdb)
	nodes := []*db.WorkerNode{
		{Name: "up", Address: "10.0.0.1:8090"},
		{Name: "down", Address: "10.0.0.2:8090"},
		{Name: "parked", Address: "10.0.0.3:8090", Status: db.WorkerInactive},
	}
	for _, n := range nodes {
		require.NoError(t, workers.Create(context.Background(), n))
	}
	return workers, nodes
}

func TestSweepRecordsProbeResults(t *testing.T) {
	ctx := context.Background()
	workers, nodes := setup(t)
	prober := &fakeProber{down: map[string]bool{"10.0.0.2:8090": true}}
	reg := prometheus.NewRegistry()
	svc := NewService(workers, prober, time.Hour, logger.Discard(), reg)

	svc.Sweep(ctx)

	assert.ElementsMatch(t, []string{"10.0.0.1:8090", "10.0.0.2:8090"}, prober.probed)

	up, err := workers.Get(ctx, nodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerActive, up.Status)
	assert.False(t, up.LastSeen.IsZero())

	down, err := workers.Get(ctx, nodes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerError, down.Status)
	assert.True(t, down.LastSeen.IsZero())

	parked, err := workers.Get(ctx, nodes[2].ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerInactive, parked.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.up.WithLabelValues("up")))
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.up.WithLabelValues("down")))
}

func TestRecoveredWorkerBecomesActive(t *testing.T) {
	ctx := context.Background()
	workers, nodes := setup(t)
	prober := &fakeProber{down: map[string]bool{"10.0.0.2:8090": true}}
	svc := NewService(workers, prober, time.Hour, logger.Discard(), nil)

	svc.Sweep(ctx)
	prober.mu.Lock()
	prober.down = nil
	prober.mu.Unlock()
	svc.Sweep(ctx)

	w, err := workers.Get(ctx, nodes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerActive, w.Status)
}

func TestStartSweepsImmediatelyAndStops(t *testing.T) {
	workers, _ := setup(t)
	prober := &fakeProber{}
	svc := NewService(workers, prober, time.Hour, logger.Discard(), nil)

	svc.Start(context.Background())
	assert.Eventually(t, func() bool { return prober.count() == 2 }, time.Second, 10*time.Millisecond)
	svc.Stop()
	svc.Stop()
}

func TestProbeDoesNotReviveDeactivatedWorker(t *testing.T) {
	ctx := context.Background()
	workers, nodes := setup(t)
	prober := &fakeProber{down: map[string]bool{"10.0.0.2:8090": true}}
	prober.during = func(address string) {
		for _, n := range nodes[:2] {
			if n.Address == address {
				require.NoError(t, workers.SetStatus(ctx, n.ID, db.WorkerInactive))
			}
		}
	}
	svc := NewService(workers, prober, time.Hour, logger.Discard(), nil)

	svc.Sweep(ctx)

	for _, n := range nodes[:2] {
		w, err := workers.Get(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, db.WorkerInactive, w.Status, w.Name)
	}
}
