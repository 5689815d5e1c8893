package platform

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/s2opc-rt/pubsubcore/internal/metrics"
)

// GuardConfig configures a ResourceGuard.
type GuardConfig struct {
	// MaxInputRatePerSec caps the rate at which external input events
	// (NATS bridge deliveries, Kafka records) are admitted into the core.
	MaxInputRatePerSec int
	// CPURejectThreshold rejects admission once sampled CPU usage (as a
	// percentage of the container's allocated quota) exceeds this value.
	CPURejectThreshold float64
	// SampleInterval controls how often CPU usage is resampled.
	SampleInterval time.Duration
}

// ResourceGuard is a static admission gate in front of the daemon's
// external input paths: events are rejected when the input rate limiter
// is exhausted or sampled CPU usage is above the configured threshold.
type ResourceGuard struct {
	cfg     GuardConfig
	limiter *rate.Limiter
	monitor *CPUMonitor
	cpu     atomic.Value // float64
	stop    chan struct{}
}

// NewResourceGuard creates a ResourceGuard that rate-limits admissions to
// cfg.MaxInputRatePerSec and, once Run is called, samples CPU at
// cfg.SampleInterval (default 1s).
func NewResourceGuard(cfg GuardConfig) *ResourceGuard {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	g := &ResourceGuard{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxInputRatePerSec), cfg.MaxInputRatePerSec),
		monitor: NewCPUMonitor(),
		stop:    make(chan struct{}),
	}
	g.cpu.Store(float64(0))
	return g
}

// Run samples CPU usage on cfg.SampleInterval until Stop is called. Call it
// in its own goroutine.
func (g *ResourceGuard) Run(logger *zerolog.Logger) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pct, throttle, err := g.monitor.Percent()
			if err != nil {
				continue
			}
			g.cpu.Store(pct)
			metrics.CPUUsagePercent.Set(pct)
			if logger != nil && throttle.NrThrottled > 0 {
				logger.Warn().
					Float64("cpu_percent", pct).
					Uint64("throttled_periods", throttle.NrThrottled).
					Msg("container CPU throttling observed")
			}
		case <-g.stop:
			return
		}
	}
}

// Stop ends the sampling goroutine started by Run.
func (g *ResourceGuard) Stop() { close(g.stop) }

// Admit reports whether an external input event may proceed: the rate
// limiter has a free token and sampled CPU usage is below the reject
// threshold. Rejections are counted by reason in internal/metrics.
func (g *ResourceGuard) Admit() bool {
	if pct, _ := g.cpu.Load().(float64); pct > g.cfg.CPURejectThreshold {
		metrics.AdmissionRejectedTotal.WithLabelValues("cpu_threshold").Inc()
		return false
	}
	if !g.limiter.Allow() {
		metrics.AdmissionRejectedTotal.WithLabelValues("rate_limit").Inc()
		return false
	}
	return true
}

// CPUPercent returns the most recently sampled CPU percentage.
func (g *ResourceGuard) CPUPercent() float64 {
	pct, _ := g.cpu.Load().(float64)
	return pct
}
