package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/config"
)

// HealthChecker answers whether a tool endpoint is responsive.
type HealthChecker interface {
	Check(ctx context.Context, baseURL string) error
}

// HTTPChecker probes GET <base_url>/health and treats any 2xx as success.
type HTTPChecker struct {
	Client *http.Client
}

func (h *HTTPChecker) Check(ctx context.Context, baseURL string) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

type thresholds struct {
	degraded  int
	unhealthy int
}

// Prober periodically checks every registered tool. Each cycle probes all
// tools concurrently with a per-probe timeout; results apply as they
// complete, keyed by completion time.
type Prober struct {
	registry *Registry
	checker  HealthChecker
	cfg      config.RegistryConfig
	log      *slog.Logger

	now func() time.Time
}

// NewProber builds a prober over the registry.
func NewProber(reg *Registry, checker HealthChecker, cfg config.RegistryConfig, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		registry: reg,
		checker:  checker,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run probes on the configured interval until ctx is cancelled. Intended to
// run as a single goroutine owned by the lifecycle controller.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe cycle and blocks until every probe completes or
// times out. Used directly during startup for the initial synchronous pass.
func (p *Prober) ProbeAll(ctx context.Context) {
	tools := p.registry.List()

	var wg sync.WaitGroup
	for _, tool := range tools {
		wg.Add(1)
		go func(toolID, baseURL string) {
			defer wg.Done()
			p.probeOne(ctx, toolID, baseURL)
		}(tool.ToolID, tool.BaseURL)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, toolID, baseURL string) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	err := p.checker.Check(probeCtx, baseURL)
	completedAt := p.now()

	if err != nil {
		p.log.Debug("tool probe failed", "tool", toolID, "err", err)
	}
	p.registry.applyProbe(toolID, completedAt, err == nil, thresholds{
		degraded:  p.cfg.DegradedThreshold,
		unhealthy: p.cfg.UnhealthyThreshold,
	})
}
