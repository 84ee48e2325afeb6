package catalog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipepmaragno/ai-router/internal/domain"
	"github.com/felipepmaragno/ai-router/internal/httputil"
	"github.com/felipepmaragno/ai-router/internal/metrics"
)

const DefaultAlpha = 0.1

type LiveMetrics struct {
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`
	Samples         int           `json:"samples"`
}

// MetricsSource reports recent per-model metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) (map[string]LiveMetrics, error)
}

type observation struct {
	latency  time.Duration
	timed    int
	calls    int
	failures int
}

// Observer aggregates call outcomes reported in-process. Each Snapshot drains
// what was observed since the previous one.
type Observer struct {
	mu    sync.Mutex
	stats map[string]*observation
}

func NewObserver() *Observer {
	return &Observer{stats: make(map[string]*observation)}
}

// Observe records one call. A zero latency means the caller did not measure it;
// the call still counts toward the success rate.
func (o *Observer) Observe(model string, latency time.Duration, failed bool) {
	if model == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.stats[model]
	if !ok {
		s = &observation{}
		o.stats[model] = s
	}
	s.calls++
	if latency > 0 {
		s.latency += latency
		s.timed++
	}
	if failed {
		s.failures++
	}
}

func (o *Observer) Snapshot(ctx context.Context) (map[string]LiveMetrics, error) {
	o.mu.Lock()
	stats := o.stats
	o.stats = make(map[string]*observation)
	o.mu.Unlock()

	out := make(map[string]LiveMetrics, len(stats))
	for model, s := range stats {
		live := LiveMetrics{
			SuccessRate: float64(s.calls-s.failures) / float64(s.calls),
			Samples:     s.calls,
		}
		if s.timed > 0 {
			live.AvgResponseTime = s.latency / time.Duration(s.timed)
		}
		out[model] = live
	}
	return out, nil
}

// HTTPSource reads metrics from a telemetry endpoint returning
// {"models": {"<name>": {"avg_response_ms": 850, "success_rate": 0.97, "samples": 120}}}.
type HTTPSource struct {
	client *http.Client
	url    string
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &HTTPSource{client: client, url: url}
}

type httpMetrics struct {
	Models map[string]struct {
		AvgResponseMs float64  `json:"avg_response_ms"`
		SuccessRate   *float64 `json:"success_rate"`
		Samples       int      `json:"samples"`
	} `json:"models"`
}

func (s *HTTPSource) Snapshot(ctx context.Context) (map[string]LiveMetrics, error) {
	var payload httpMetrics
	if err := httputil.GetJSON(ctx, s.client, s.url, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]LiveMetrics, len(payload.Models))
	for model, m := range payload.Models {
		if m.SuccessRate == nil || m.AvgResponseMs <= 0 {
			continue
		}
		samples := m.Samples
		if samples <= 0 {
			samples = 1
		}
		out[model] = LiveMetrics{
			AvgResponseTime: time.Duration(m.AvgResponseMs * float64(time.Millisecond)),
			SuccessRate:     *m.SuccessRate,
			Samples:         samples,
		}
	}
	return out, nil
}

// Refresher periodically blends live metrics into the catalog.
type Refresher struct {
	catalog *Catalog
	sources []MetricsSource
	alpha   float64
	timeout time.Duration
}

func NewRefresher(c *Catalog, sources ...MetricsSource) *Refresher {
	return &Refresher{
		catalog: c,
		sources: sources,
		alpha:   DefaultAlpha,
		timeout: 5 * time.Second,
	}
}

// SetAlpha sets the weight given to live metrics when blending. Values outside
// (0, 1] are ignored.
func (r *Refresher) SetAlpha(alpha float64) {
	if alpha > 0 && alpha <= 1 {
		r.alpha = alpha
	}
}

// Refresh pulls every source once and returns how many models were updated.
// A failing source does not stop the others.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	var errs []error
	updated := 0

	for _, src := range r.sources {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		snap, err := src.Snapshot(sctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for model, live := range snap {
			err := r.catalog.Blend(model, live, r.alpha)
			if errors.Is(err, domain.ErrModelNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if live.Samples > 0 {
				updated++
			}
		}
	}
	return updated, errors.Join(errs...)
}

func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Refresh(ctx)
			metrics.RecordJobRun("metrics_refresh", err)
			if err != nil {
				slog.Warn("model metrics refresh failed", "error", err)
			}
			if n > 0 {
				slog.Debug("model metrics refreshed", "models", n)
			}
		}
	}
}
