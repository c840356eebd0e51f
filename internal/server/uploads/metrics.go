package uploads

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for batches.
type Observer interface {
	RecordStart()
	RecordPut(duration time.Duration, sizeBytes int64, err error)
	RecordRound(round Round)
	RecordBatch(report BatchReport)
}

type nopObserver struct{}

func (nopObserver) RecordStart()                          {}
func (nopObserver) RecordPut(time.Duration, int64, error) {}
func (nopObserver) RecordRound(Round)                     {}
func (nopObserver) RecordBatch(BatchReport)               {}

// PrometheusObserver exports batch metrics to Prometheus.
type PrometheusObserver struct {
	putDuration    *prometheus.HistogramVec
	putBytes       prometheus.Counter
	roundFiles     *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchRounds    prometheus.Histogram
	batchBackoff   prometheus.Histogram
	batchesRunning prometheus.Gauge
}

// NewPrometheusObserver registers the upload metrics on reg. Registering
// twice on the same registry reuses the collectors already there.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "doccatalog_uploads"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		putDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_duration_seconds",
			Help:      "Latency of object store puts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		putBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "put_bytes_total",
			Help:      "Bytes successfully written to the object store.",
		}),
		roundFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_files_total",
			Help:      "Files seen by batch rounds, by result.",
		}, []string{"result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Finished batches by outcome.",
		}, []string{"outcome"}),
		batchRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_rounds",
			Help:      "Rounds needed per batch.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		batchBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_backoff_seconds",
			Help:      "Total backoff slept per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batches_running",
			Help:      "Batches currently in flight.",
		}),
	}

	var err error
	if o.putDuration, err = register(reg, o.putDuration); err != nil {
		return nil, err
	}
	if o.putBytes, err = register(reg, o.putBytes); err != nil {
		return nil, err
	}
	if o.roundFiles, err = register(reg, o.roundFiles); err != nil {
		return nil, err
	}
	if o.batches, err = register(reg, o.batches); err != nil {
		return nil, err
	}
	if o.batchRounds, err = register(reg, o.batchRounds); err != nil {
		return nil, err
	}
	if o.batchBackoff, err = register(reg, o.batchBackoff); err != nil {
		return nil, err
	}
	if o.batchesRunning, err = register(reg, o.batchesRunning); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register upload metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordPut(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.putDuration.WithLabelValues(result).Observe(duration.Seconds())
	if err == nil {
		o.putBytes.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordRound(round Round) {
	if o == nil {
		return
	}
	o.roundFiles.WithLabelValues("succeeded").Add(float64(len(round.Succeeded)))
	o.roundFiles.WithLabelValues("failed").Add(float64(len(round.Failed)))
	o.roundFiles.WithLabelValues("missing").Add(float64(len(round.Missing)))
}

func (o *PrometheusObserver) RecordStart() {
	if o != nil {
		o.batchesRunning.Inc()
	}
}

func (o *PrometheusObserver) RecordBatch(report BatchReport) {
	if o == nil {
		return
	}
	o.batchesRunning.Dec()
	o.batches.WithLabelValues(string(report.Outcome)).Inc()
	o.batchRounds.Observe(float64(report.Rounds))
	o.batchBackoff.Observe(report.Backoff.Seconds())
}

var _ Observer = (*PrometheusObserver)(nil)
