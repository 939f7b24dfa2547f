package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeValid   = "valid"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Recorder is what the pipeline and verifier report into.
type Recorder interface {
	FrameEncrypted()
	FrameFailed()
	AnchorLatency(d time.Duration)
	Verification(outcome string)
	ChainLength(n int)
}

// Collector exports evidence metrics to Prometheus.
type Collector struct {
	encrypted     prometheus.Counter
	failed        prometheus.Counter
	verifications *prometheus.CounterVec
	anchorLatency prometheus.Observer
	chainLength   prometheus.Gauge
}

// NewCollector creates the evidence metrics and registers them on reg. A nil reg
// registers on the default registry.
func NewCollector(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	encrypted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_frames_encrypted_total",
		Help:      "Frames encrypted, chained and anchored.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_frames_failed_total",
		Help:      "Frames that could not be encrypted or anchored.",
	})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evidence_verifications_total",
		Help:      "Chain verifications by outcome.",
	}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evidence_anchor_latency_seconds",
		Help:      "Time from anchor request to committed reference.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	chainLength := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "evidence_chain_length",
		Help:      "Frames in the most recently written or verified chain.",
	})

	for _, c := range []prometheus.Collector{encrypted, failed, verifications, latency, chainLength} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &Collector{
		encrypted:     encrypted,
		failed:        failed,
		verifications: verifications,
		anchorLatency: latency,
		chainLength:   chainLength,
	}, nil
}

func (c *Collector) FrameEncrypted() {
	c.encrypted.Inc()
}

func (c *Collector) FrameFailed() {
	c.failed.Inc()
}

func (c *Collector) AnchorLatency(d time.Duration) {
	c.anchorLatency.Observe(d.Seconds())
}

func (c *Collector) Verification(outcome string) {
	c.verifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) ChainLength(n int) {
	c.chainLength.Set(float64(n))
}

// Noop discards everything.
type Noop struct{}

func (Noop) FrameEncrypted()             {}
func (Noop) FrameFailed()                {}
func (Noop) AnchorLatency(time.Duration) {}
func (Noop) Verification(string)         {}
func (Noop) ChainLength(int)             {}
