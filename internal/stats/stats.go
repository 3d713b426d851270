package stats

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater exposes named gauges on /metrics. Updates are applied by a
// single goroutine started with Run.
type StatsUpdater struct {
	registry   *prometheus.Registry
	gauges     map[string]prometheus.Gauge
	gaugesLock sync.RWMutex
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value float64
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry:   prometheus.NewRegistry(),
		gauges:     make(map[string]prometheus.Gauge),
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		su.gaugesLock.RLock()
		gauge, ok := su.gauges[req.name]
		su.gaugesLock.RUnlock()
		if !ok {
			panic("metric not found: " + req.name)
		}

		gauge.Add(req.value)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

// RegisterMetric creates a gauge for name. Registering the same name twice
// reuses the existing gauge.
func (su *StatsUpdater) RegisterMetric(name string) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      name,
	})

	if err := su.registry.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		gauge = are.ExistingCollector.(prometheus.Gauge)
	}

	su.gaugesLock.Lock()
	su.gauges[name] = gauge
	su.gaugesLock.Unlock()
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}

// metricName converts CamelCase to snake_case.
func metricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
