// Package monitor periodically probes worker nodes and records their health.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/db"
	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
	"github.com/atvirokodosprendimai/sitefleet/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Prober checks one worker.
type Prober interface {
	Health(ctx context.Context, target transport.Target) (spec.HealthResponse, error)
}

// Service probes every worker that is not marked inactive. A worker that
// answers becomes active; one that does not becomes error. Inactive workers
// are left alone so an operator can park a node.
type Service struct {
	workers *db.Workers
	prober  Prober
	log     *slog.Logger
	ticker  *time.Ticker
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	up      *prometheus.GaugeVec
}

// NewService creates a monitor that probes on every interval.
func NewService(workers *db.Workers, prober Prober, interval time.Duration, log *slog.Logger, reg prometheus.Registerer) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sitefleet",
		Subsystem: "monitor",
		Name:      "worker_up",
		Help:      "1 when the last health probe of a worker succeeded",
	}, []string{"worker"})
	if reg != nil {
		if err := reg.Register(up); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				up = already.ExistingCollector.(*prometheus.GaugeVec)
			}
		}
	}
	return &Service{
		workers: workers,
		prober:  prober,
		log:     log.With("component", "monitor"),
		ticker:  time.NewTicker(interval),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		up:      up,
	}
}

// Start begins probing in the background.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("starting worker monitor")
	go func() {
		defer close(s.done)
		s.Sweep(ctx)
		for {
			select {
			case <-s.ticker.C:
				s.Sweep(ctx)
			case <-s.stopCh:
				s.log.Info("stopping worker monitor")
				s.ticker.Stop()
				return
			case <-ctx.Done():
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the monitor and waits for an in-flight sweep.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.done
}

// Sweep probes every eligible worker once.
func (s *Service) Sweep(ctx context.Context) {
	workers, err := s.workers.List(ctx)
	if err != nil {
		s.log.Error("list workers", "error", err)
		return
	}
	for _, w := range workers {
		if w.Status == db.WorkerInactive {
			continue
		}
		s.probe(ctx, w)
	}
}

func (s *Service) probe(ctx context.Context, w db.WorkerNode) {
	label := w.Name
	if label == "" {
		label = w.Address
	}
	_, err := s.prober.Health(ctx, transport.Target{Address: w.Address, Key: w.Key})
	status, seen := db.WorkerActive, time.Now()
	if err != nil {
		status, seen = db.WorkerError, time.Time{}
		s.up.WithLabelValues(label).Set(0)
		if w.Status != db.WorkerError {
			s.log.Warn("worker unreachable", "worker_id", w.ID, "address", w.Address, "error", err)
		}
	} else {
		s.up.WithLabelValues(label).Set(1)
		if w.Status != db.WorkerActive {
			s.log.Info("worker recovered", "worker_id", w.ID, "address", w.Address)
		}
	}
	if err := s.workers.RecordProbe(ctx, w.ID, status, seen); err != nil {
		s.log.Error("record probe", "worker_id", w.ID, "error", err)
	}
}
