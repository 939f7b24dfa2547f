package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg, "")
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}

	c.FrameEncrypted()
	c.FrameEncrypted()
	if got := testutil.ToFloat64(c.encrypted); got != 2 {
		t.Fatalf("expected encrypted counter 2, got %f", got)
	}

	c.FrameFailed()
	if got := testutil.ToFloat64(c.failed); got != 1 {
		t.Fatalf("expected failed counter 1, got %f", got)
	}

	c.Verification(OutcomeValid)
	c.Verification(OutcomeInvalid)
	c.Verification(OutcomeInvalid)
	if got := testutil.ToFloat64(c.verifications.WithLabelValues(OutcomeInvalid)); got != 2 {
		t.Fatalf("expected 2 invalid verifications, got %f", got)
	}

	c.ChainLength(42)
	if got := testutil.ToFloat64(c.chainLength); got != 42 {
		t.Fatalf("expected chain length 42, got %f", got)
	}

	c.AnchorLatency(250 * time.Millisecond)
	if samples := testutil.CollectAndCount(c.anchorLatency.(prometheus.Collector)); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 6 {
		t.Fatalf("expected 6 series in registry, got %d (err %v)", n, err)
	}
}

func TestCollectorRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCollector(reg, "evidence"); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewCollector(reg, "evidence"); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.FrameEncrypted()
	r.FrameFailed()
	r.AnchorLatency(time.Second)
	r.Verification(OutcomeError)
	r.ChainLength(1)
}
