package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/cost-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// HealthMetrics receives provider probe results. metrics.Registry
// implements it.
type HealthMetrics interface {
	SetProviderHealth(provider string, ok bool)
}

// Probes are the optional backend readiness checks. A nil probe means the
// backend is not configured and counts as ok.
type Probes struct {
	Cache    func(context.Context) error
	Database func(context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	adapters map[providers.Kind]providers.Adapter
	probes   Probes
	baseCtx  context.Context
	metrics  HealthMetrics

	providerStatuses map[providers.Kind]*componentStatus
	cacheStatus      componentStatus
	dbStatus         componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. met may be nil.
func NewHealthChecker(
	ctx context.Context,
	adapters map[providers.Kind]providers.Adapter,
	probes Probes,
	met HealthMetrics,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		adapters:         adapters,
		probes:           probes,
		providerStatuses: make(map[providers.Kind]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for kind := range adapters {
		hc.providerStatuses[kind] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers,omitempty"`
	Cache         string            `json:"cache,omitempty"`
	Database      string            `json:"database,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for kind, s := range hc.providerStatuses {
		st := s.get()
		provs[string(kind)] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	db := hc.dbStatus.get()

	if cache != "ok" || db != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cache,
		Database:      db,
	}
}

// ReadinessOK returns true when the database and cache are reachable
// (used by GET /readiness for Kubernetes probes). Provider health does not
// affect readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok" && hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes run in parallel.
	var wg sync.WaitGroup
	for kind, adapter := range hc.adapters {
		s := hc.providerStatuses[kind]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := adapter.HealthCheck(ctx) == nil
			if ok {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(string(kind), ok)
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if hc.probes.Cache == nil || hc.probes.Cache(ctx) == nil {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()
	go func() {
		defer wg.Done()
		if hc.probes.Database == nil || hc.probes.Database(ctx) == nil {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
