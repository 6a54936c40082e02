package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterIncrement(t *testing.T) {
	c := NewCollector()
	ctr := c.Counter("test_total", "a test counter", `channel="x"`)
	ctr.Inc()
	ctr.Add(2)
	if ctr.Value() != 3 {
		t.Errorf("value = %d, want 3", ctr.Value())
	}

	// Same name+labels returns the same counter.
	again := c.Counter("test_total", "a test counter", `channel="x"`)
	if again.Value() != 3 {
		t.Errorf("re-fetched counter value = %d, want 3", again.Value())
	}
}

func TestHistogramObserve(t *testing.T) {
	c := NewCollector()
	h := c.Histogram("test_seconds", "a test histogram", "", []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `test_seconds_bucket{le="0.1"} 1`) {
		t.Errorf("missing first bucket:\n%s", body)
	}
	if !strings.Contains(body, `test_seconds_bucket{le="+Inf"} 3`) {
		t.Errorf("missing +Inf bucket:\n%s", body)
	}
	if !strings.Contains(body, "test_seconds_count 3") {
		t.Errorf("missing count:\n%s", body)
	}
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector()
	c.Counter("botbridge_webhooks_total", "Total inbound webhook deliveries", `channel="twilio"`).Inc()

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE botbridge_webhooks_total counter",
		`botbridge_webhooks_total{channel="twilio"} 1`,
		"botbridge_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}
