// Package health tracks the readiness of the node's dependencies.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	// FailThreshold consecutive failures mark a probe degraded.
	FailThreshold int
}

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Status is the last known state of one probe.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"consecutive_failures"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// Checker runs registered probes periodically.
type Checker struct {
	mu        sync.Mutex
	probes    map[string]Probe
	status    map[string]*Status
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes: make(map[string]Probe),
		status: make(map[string]*Status),
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds a named probe. Unchecked probes count as healthy.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
	h.status[name] = &Status{Name: name, Healthy: true}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs CheckAll immediately and then on every interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		h.CheckAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently, each bounded by ProbeTimeout.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes))
	for n, p := range h.probes {
		probes[n] = p
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := probe(pctx)
			cancel()
			h.record(name, err)
		}()
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	s := h.status[name]
	prev := s.Failures
	s.CheckedAt = time.Now().UTC()
	if err == nil {
		s.Failures = 0
		s.Error = ""
	} else {
		s.Failures++
		s.Error = err.Error()
	}
	s.Healthy = s.Failures < h.cfg.FailThreshold
	count := s.Failures
	h.mu.Unlock()

	switch {
	case err == nil && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("probe", name))
	case err != nil && count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Snapshot returns every probe's status ordered by name, and whether all
// of them are healthy.
func (h *Checker) Snapshot() ([]Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.status))
	healthy := true
	for _, s := range h.status {
		out = append(out, *s)
		healthy = healthy && s.Healthy
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, healthy
}

// Handler serves the snapshot: 200 when every probe is healthy, else 503.
func (h *Checker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		probes, healthy := h.Snapshot()
		code, status := http.StatusOK, "ready"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": status, "probes": probes})
	}
}
