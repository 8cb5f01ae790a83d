package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "reverse", "allow", "200").Inc()
	m.TunnelBytes.WithLabelValues(DirectionUp).Add(42)

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"policy_proxy_requests_total":     false,
		"policy_proxy_tunnel_bytes_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestTunnelBytes_ByDirection(t *testing.T) {
	m := New()

	m.TunnelBytes.WithLabelValues(DirectionUp).Add(10)
	m.TunnelBytes.WithLabelValues(DirectionDown).Add(25)

	if got := counterValue(t, m.TunnelBytes.WithLabelValues(DirectionDown)); got != 25 {
		t.Errorf("down bytes = %v, want 25", got)
	}
	if got := counterValue(t, m.TunnelBytes.WithLabelValues(DirectionUp)); got != 10 {
		t.Errorf("up bytes = %v, want 10", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"CONNECT", "CONNECT"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}
