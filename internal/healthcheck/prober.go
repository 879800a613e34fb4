// Package healthcheck probes the service's backing dependencies in the
// background and answers readiness from the last round of results.
package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/chatmemory/internal/metrics"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// errNotProbed is reported for checks that have not completed a round yet.
var errNotProbed = errors.New("not probed yet")

// Config controls the prober.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Check is one named dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Prober periodically runs its checks. A disabled prober is always ready.
type Prober struct {
	cfg     Config
	checks  []Check
	logger  *slog.Logger
	started atomic.Bool

	mu      sync.RWMutex
	results map[string]error
}

// NewProber creates a prober over checks.
func NewProber(cfg Config, checks []Check, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	results := make(map[string]error, len(checks))
	for _, c := range checks {
		results[c.Name] = errNotProbed
	}
	return &Prober{
		cfg:     cfg,
		checks:  checks,
		logger:  logger,
		results: results,
	}
}

// Start begins the probe loop until the context is canceled.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce probes every dependency concurrently and records the results.
func (p *Prober) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, check := range p.checks {
		wg.Add(1)
		go func(check Check) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			p.record(check.Name, check.Probe(probeCtx))
		}(check)
	}
	wg.Wait()
}

func (p *Prober) record(name string, err error) {
	p.mu.Lock()
	prev := p.results[name]
	p.results[name] = err
	p.mu.Unlock()

	if err != nil {
		metrics.DependencyUp.WithLabelValues(name).Set(0)
		if prev == nil || errors.Is(prev, errNotProbed) {
			p.logger.Warn("dependency unhealthy", "dependency", name, "error", err)
		}
		return
	}
	metrics.DependencyUp.WithLabelValues(name).Set(1)
	if prev != nil && !errors.Is(prev, errNotProbed) {
		p.logger.Info("dependency recovered", "dependency", name)
	}
}

// Ready reports whether every check passed on its last probe.
func (p *Prober) Ready() bool {
	if p == nil || !p.cfg.Enabled {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, err := range p.results {
		if err != nil {
			return false
		}
	}
	return true
}

// Status returns "ok" or the last error message per dependency.
func (p *Prober) Status() map[string]string {
	if p == nil {
		return map[string]string{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]string, len(p.results))
	for name, err := range p.results {
		if err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}
