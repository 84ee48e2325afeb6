package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubSource struct {
	snap map[string]LiveMetrics
	err  error
}

func (s stubSource) Snapshot(ctx context.Context) (map[string]LiveMetrics, error) {
	return s.snap, s.err
}

func TestObserver_Snapshot(t *testing.T) {
	o := NewObserver()
	o.Observe("gpt-4", 100*time.Millisecond, false)
	o.Observe("gpt-4", 300*time.Millisecond, true)
	o.Observe("", time.Second, false)

	snap, err := o.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	m, ok := snap["gpt-4"]
	if !ok || len(snap) != 1 {
		t.Fatalf("Snapshot() = %v", snap)
	}
	if m.AvgResponseTime != 200*time.Millisecond || m.SuccessRate != 0.5 || m.Samples != 2 {
		t.Errorf("metrics = %+v", m)
	}

	again, _ := o.Snapshot(context.Background())
	if len(again) != 0 {
		t.Error("Snapshot() should drain observations")
	}
}

func TestObserver_UnmeasuredLatency(t *testing.T) {
	type call struct {
		latency time.Duration
		failed  bool
	}
	tests := []struct {
		name        string
		calls       []call
		wantAvg     time.Duration
		wantSuccess float64
	}{
		{
			name:        "zero latency does not dilute the mean",
			calls:       []call{{latency: 400 * time.Millisecond}, {}, {}, {latency: 200 * time.Millisecond}},
			wantAvg:     300 * time.Millisecond,
			wantSuccess: 1,
		},
		{
			name:        "no measured latency",
			calls:       []call{{}, {failed: true}},
			wantAvg:     0,
			wantSuccess: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewObserver()
			for _, c := range tt.calls {
				o.Observe("gpt-4", c.latency, c.failed)
			}

			snap, _ := o.Snapshot(context.Background())
			m := snap["gpt-4"]
			if m.AvgResponseTime != tt.wantAvg {
				t.Errorf("AvgResponseTime = %v, want %v", m.AvgResponseTime, tt.wantAvg)
			}
			if m.SuccessRate != tt.wantSuccess {
				t.Errorf("SuccessRate = %v, want %v", m.SuccessRate, tt.wantSuccess)
			}
			if m.Samples != len(tt.calls) {
				t.Errorf("Samples = %d, want %d", m.Samples, len(tt.calls))
			}
		})
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models": {
			"gpt-4": {"avg_response_ms": 1500, "success_rate": 0.95, "samples": 40},
			"llama3": {"avg_response_ms": 2000, "success_rate": 0.9},
			"partial": {"avg_response_ms": 100}
		}}`))
	}))
	defer srv.Close()

	snap, err := NewHTTPSource(srv.URL, nil).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d models, want 2", len(snap))
	}
	if snap["gpt-4"].AvgResponseTime != 1500*time.Millisecond || snap["gpt-4"].Samples != 40 {
		t.Errorf("gpt-4 = %+v", snap["gpt-4"])
	}
	if snap["llama3"].Samples != 1 {
		t.Errorf("missing samples should default to 1, got %d", snap["llama3"].Samples)
	}
}

func TestRefresher_Refresh(t *testing.T) {
	c := NewDefault()
	before, _ := c.Get("gpt-4")

	r := NewRefresher(c,
		stubSource{err: errors.New("telemetry down")},
		stubSource{snap: map[string]LiveMetrics{
			"gpt-4":   {AvgResponseTime: 10 * time.Second, SuccessRate: 0.5, Samples: 3},
			"unknown": {AvgResponseTime: time.Second, SuccessRate: 1, Samples: 3},
		}},
	)

	n, err := r.Refresh(context.Background())
	if err == nil {
		t.Error("Refresh() should report the failing source")
	}
	if n != 1 {
		t.Errorf("Refresh() updated %d models, want 1", n)
	}

	after, _ := c.Get("gpt-4")
	if after.AvgResponseTime <= before.AvgResponseTime || after.SuccessRate >= before.SuccessRate {
		t.Errorf("gpt-4 not blended: before %+v after %+v", before, after)
	}
}

func TestRefresher_SetAlpha(t *testing.T) {
	tests := []struct {
		name  string
		alpha float64
		want  float64
	}{
		{name: "full weight", alpha: 1, want: 0.5},
		{name: "zero ignored", alpha: 0, want: 0.95},
		{name: "above one ignored", alpha: 2, want: 0.95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := New(ModelCapability{
				Name: "m", Provider: "p", MaxTokens: 10,
				AvgResponseTime: time.Second, SuccessRate: 1, Tier: TierBasic,
			})
			r := NewRefresher(c, stubSource{snap: map[string]LiveMetrics{
				"m": {SuccessRate: 0.5, Samples: 1},
			}})
			r.SetAlpha(tt.alpha)

			if _, err := r.Refresh(context.Background()); err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}
			m, _ := c.Get("m")
			if d := m.SuccessRate - tt.want; d > 1e-9 || d < -1e-9 {
				t.Errorf("SuccessRate = %v, want %v", m.SuccessRate, tt.want)
			}
		})
	}
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	r := NewRefresher(NewDefault(), NewObserver())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
