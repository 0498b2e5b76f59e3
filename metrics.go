package vfd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation labels.
const (
	OpDirection    = "direction"
	OpSpeed        = "speed"
	OpInitialize   = "initialize"
	OpStatus       = "status"
	OpCurrentSpeed = "current_speed"
)

// Status labels.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Metrics collects exchange statistics for spindles.
type Metrics struct {
	exchanges *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	syncSpeed *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vfd_exchanges_total",
			Help: "The total number of Modbus exchanges with spindle drives",
		}, []string{"spindle", "operation", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vfd_exchange_duration_seconds",
			Help:    "Duration of Modbus exchanges with spindle drives",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"spindle", "operation"}),
		syncSpeed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vfd_output_frequency",
			Help: "Last output frequency reported by the drive, in tenths of Hz",
		}, []string{"spindle"}),
	}
}

func (m *Metrics) observe(spindle, operation string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
	}
	m.exchanges.WithLabelValues(spindle, operation, status).Inc()
	m.duration.WithLabelValues(spindle, operation).Observe(took.Seconds())
}

func (m *Metrics) setSyncSpeed(spindle string, frequency uint32) {
	if m == nil {
		return
	}
	m.syncSpeed.WithLabelValues(spindle).Set(float64(frequency))
}
