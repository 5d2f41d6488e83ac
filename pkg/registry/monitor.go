package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCheckInterval is the period between health sweeps.
	DefaultCheckInterval = 15 * time.Second

	// ProbeTimeout bounds one health probe.
	ProbeTimeout = 3 * time.Second
)

// Monitor periodically probes every registered provider's /health endpoint
// and updates membership: failed dynamic providers are removed, failed static
// providers keep their record with a failure status.
type Monitor struct {
	store    *Store
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a Monitor on the given store. A zero interval selects
// DefaultCheckInterval.
func NewMonitor(store *Store, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{
		store:    store,
		interval: interval,
		client:   &http.Client{Timeout: ProbeTimeout},
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
	m.logger.Info("Health monitor started", "interval", m.interval)
}

// Stop halts the probe loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckAll probes every provider once. Exported so the registry service can
// run an eager sweep at startup and tests can drive sweeps directly.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, p := range m.store.List() {
		m.checkOne(ctx, p)
	}
}

func (m *Monitor) checkOne(ctx context.Context, p Provider) {
	reqCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, HealthURL(p.URL), nil)
	if err != nil {
		m.fail(p, fmt.Sprintf("error: %v", err))
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.fail(p, fmt.Sprintf("error: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.fail(p, fmt.Sprintf("unhealthy (%d)", resp.StatusCode))
		return
	}
	m.store.MarkHealthy(p.URL)
}

func (m *Monitor) fail(p Provider, status string) {
	m.logger.Warn("Provider health probe failed",
		"provider", p.Name, "url", p.URL, "status", status, "static", p.IsStatic)
	m.store.MarkUnhealthy(p.URL, status)
}

// HealthURL derives a provider's health endpoint from its registered URL by
// stripping the /sse session suffix.
func HealthURL(providerURL string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(providerURL, "/"), "/sse")
	return base + "/health"
}
