package statistics

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "pipeflow"

// PrometheusExporter mirrors an iteration into gauges. Every value is
// labelled with the slash separated group path it was reported under.
type PrometheusExporter struct {
	exportMu sync.Mutex

	mu    sync.Mutex
	stack []string

	scalars       *prometheus.GaugeVec
	distributions *prometheus.GaugeVec
	buckets       *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newStatisticsGaugeVec(namespace, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "statistics",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPrometheusExporter creates an exporter. A nil registerer selects the
// default registerer and an empty namespace selects "pipeflow".
func NewPrometheusExporter(namespace string, registerer prometheus.Registerer) *PrometheusExporter {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &PrometheusExporter{
		registerer:    registerer,
		scalars:       newStatisticsGaugeVec(namespace, "scalar", "Scalar statistics such as message counters", []string{"path", "name"}),
		distributions: newStatisticsGaugeVec(namespace, "distribution", "Summary values of duration and size distributions", []string{"path", "name", "scope", "stat"}),
		buckets:       newStatisticsGaugeVec(namespace, "bucket", "Histogram bucket counts of duration and size distributions", []string{"path", "name", "scope", "le"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (e *PrometheusExporter) Register() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{e.scalars, e.distributions, e.buckets} {
		if err := e.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	e.registered = true
	return nil
}

// Export runs one iteration of src through the exporter.
func (e *PrometheusExporter) Export(src Source, action Action) error {
	if err := e.Register(); err != nil {
		return err
	}
	e.exportMu.Lock()
	defer e.exportMu.Unlock()
	e.mu.Lock()
	e.stack = e.stack[:0]
	e.mu.Unlock()
	return src.IterateStatistics(e, action)
}

// OpenGroup implements Handler.
func (e *PrometheusExporter) OpenGroup(name, _ string) error {
	e.mu.Lock()
	e.stack = append(e.stack, name)
	e.mu.Unlock()
	return nil
}

// CloseGroup implements Handler.
func (e *PrometheusExporter) CloseGroup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stack) == 0 {
		return errors.New("pipeflow: statistics group closed without being opened")
	}
	e.stack = e.stack[:len(e.stack)-1]
	return nil
}

// HandleScalar implements Handler.
func (e *PrometheusExporter) HandleScalar(name string, value any) error {
	v, ok := ScalarValue(value)
	if !ok {
		return nil
	}
	e.scalars.WithLabelValues(e.path(), name).Set(float64(v))
	return nil
}

// HandleDistribution implements Handler.
func (e *PrometheusExporter) HandleDistribution(s Snapshot) error {
	path := e.path()
	e.setSummary(path, s.Name, "lifetime", s.Lifetime)
	e.setSummary(path, s.Name, "interval", s.Interval)
	return nil
}

func (e *PrometheusExporter) setSummary(path, name, scope string, sum Summary) {
	stats := map[string]float64{
		"count":  float64(sum.Count),
		"sum":    float64(sum.Sum),
		"min":    float64(sum.Min),
		"max":    float64(sum.Max),
		"avg":    sum.Avg,
		"stddev": sum.StdDev,
		"p50":    float64(sum.Percentiles.P50),
		"p95":    float64(sum.Percentiles.P95),
		"p99":    float64(sum.Percentiles.P99),
	}
	for stat, v := range stats {
		e.distributions.WithLabelValues(path, name, scope, stat).Set(v)
	}
	for _, b := range sum.Buckets {
		le := "+Inf"
		if b.UpperBound >= 0 {
			le = strconv.FormatInt(b.UpperBound, 10)
		}
		e.buckets.WithLabelValues(path, name, scope, le).Set(float64(b.Count))
	}
}

func (e *PrometheusExporter) path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.stack, "/")
}

// Reset forgets any unbalanced groups left by a failed iteration.
func (e *PrometheusExporter) Reset() {
	e.mu.Lock()
	e.stack = e.stack[:0]
	e.mu.Unlock()
}
