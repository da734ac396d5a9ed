package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("claude-sonnet-4-5", "anthropic-sonnet", "anthropic", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("claude-sonnet-4-5", "anthropic-sonnet", "anthropic", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("sonnet", "primary", 100, 50, 80, 20)

	tests := map[string]float64{
		"input":          100,
		"output":         50,
		"cache_read":     80,
		"cache_creation": 20,
	}
	for typ, want := range tests {
		got := testutil.ToFloat64(TokensTotal.WithLabelValues("sonnet", "primary", typ))
		if got != want {
			t.Errorf("%s tokens = %v, want %v", typ, got, want)
		}
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("sonnet", "primary", 0.05)
	RecordCost("sonnet", "primary", 0.03)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("sonnet", "primary"))
	if cost < 0.0799 || cost > 0.0801 {
		t.Errorf("CostTotal = %v, want 0.08", cost)
	}
}

func TestRecordCacheMiss(t *testing.T) {
	CacheMisses.Reset()
	CacheMissLoss.Reset()

	RecordCacheMiss("sonnet", "primary", 2.10)
	RecordCacheMiss("sonnet", "primary", 0.40)

	if n := testutil.ToFloat64(CacheMisses.WithLabelValues("sonnet", "primary")); n != 2 {
		t.Errorf("CacheMisses = %v, want 2", n)
	}
	if loss := testutil.ToFloat64(CacheMissLoss.WithLabelValues("sonnet", "primary")); loss < 2.49 || loss > 2.51 {
		t.Errorf("CacheMissLoss = %v, want 2.50", loss)
	}
}

func TestRecordFailoverTransition(t *testing.T) {
	FailoverTransitions.Reset()
	FailoverState.Reset()

	RecordFailoverTransition("sonnet", "FAILED_OVER", true)
	if state := testutil.ToFloat64(FailoverState.WithLabelValues("sonnet")); state != 1 {
		t.Errorf("FailoverState = %v, want 1", state)
	}

	RecordFailoverTransition("sonnet", "ACTIVE", false)
	if state := testutil.ToFloat64(FailoverState.WithLabelValues("sonnet")); state != 0 {
		t.Errorf("FailoverState = %v, want 0", state)
	}

	if n := testutil.ToFloat64(FailoverTransitions.WithLabelValues("sonnet", "FAILED_OVER")); n != 1 {
		t.Errorf("transitions to FAILED_OVER = %v, want 1", n)
	}
}

func TestRecordUpstreamError(t *testing.T) {
	UpstreamErrors.Reset()

	RecordUpstreamError("primary", "upstream_timeout")
	RecordUpstreamError("primary", "upstream_error")
	RecordUpstreamError("primary", "upstream_timeout")

	if n := testutil.ToFloat64(UpstreamErrors.WithLabelValues("primary", "upstream_timeout")); n != 2 {
		t.Errorf("timeout errors = %v, want 2", n)
	}
	if n := testutil.ToFloat64(UpstreamErrors.WithLabelValues("primary", "upstream_error")); n != 1 {
		t.Errorf("upstream errors = %v, want 1", n)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("openai")

	if hits := testutil.ToFloat64(RateLimitHits.WithLabelValues("openai")); hits != 1 {
		t.Errorf("RateLimitHits = %v, want 1", hits)
	}
}

func TestActiveStreams(t *testing.T) {
	InitInstanceMetrics("test-pod", "0.1.0")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	if streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod")); streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	if streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod")); streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}
