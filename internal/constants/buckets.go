package constants

// ─── Histogram Buckets ─────────────────────────────────────────────
// Pre-defined bucket sets for Prometheus histograms.

// DeliveryLatencyBuckets spans 10µs to 5s. In-process handlers land in the
// low buckets, forwarding sinks in the millisecond range.
var DeliveryLatencyBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005,
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// ─── Common Prometheus Label Sets ──────────────────────────────────

var LabelsSubscriber = []string{LabelSubscriber}
