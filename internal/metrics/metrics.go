// Package metrics exposes Prometheus collectors for polling and consumption.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	polls       *prometheus.CounterVec
	backoff     *prometheus.GaugeVec
	verdicts    *prometheus.CounterVec
	storeErrors prometheus.Counter
	publishErrs *prometheus.CounterVec
	total       *prometheus.GaugeVec
	rate        *prometheus.GaugeVec
	price       *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tankwatch",
			Name:      "polls_total",
			Help:      "Portal polls by account and result.",
		}, []string{"account", "result"}),
		backoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tankwatch",
			Name:      "next_poll_delay_seconds",
			Help:      "Delay before the next poll attempt.",
		}, []string{"account"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tankwatch",
			Name:      "evaluations_total",
			Help:      "Consumption evaluations by data-quality verdict.",
		}, []string{"verdict"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tankwatch",
			Name:      "store_write_errors_total",
			Help:      "Failed tank state writes.",
		}),
		publishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tankwatch",
			Name:      "publish_errors_total",
			Help:      "Failed snapshot publications by sink.",
		}, []string{"sink"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tankwatch",
			Name:      "consumption_total",
			Help:      "Cumulative consumption per tank in the region energy unit.",
		}, []string{"tank", "unit"}),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tankwatch",
			Name:      "consumption_rate",
			Help:      "Consumption rate per tank in energy unit per hour.",
		}, []string{"tank", "unit"}),
		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tankwatch",
			Name:      "average_price",
			Help:      "Average delivered price per volume unit from the order history.",
		}, []string{"account"}),
	}
	m.registry.MustRegister(m.polls, m.backoff, m.verdicts, m.storeErrors, m.publishErrs, m.total, m.rate, m.price)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePoll(account, result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(account, result).Inc()
}

func (m *Metrics) SetNextDelay(account string, seconds float64) {
	if m == nil {
		return
	}
	m.backoff.WithLabelValues(account).Set(seconds)
}

func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

func (m *Metrics) StoreWriteFailed() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) PublishFailed(sink string) {
	if m == nil {
		return
	}
	m.publishErrs.WithLabelValues(sink).Inc()
}

// SetConsumption records the current total and, when known, the rate.
func (m *Metrics) SetConsumption(tank, unit string, total float64, rate *float64) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(tank, unit).Set(total)
	if rate != nil {
		m.rate.WithLabelValues(tank, unit+"/h").Set(*rate)
	}
}

func (m *Metrics) SetAveragePrice(account string, price float64) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(account).Set(price)
}

// ForgetTank drops the per-tank series after removal.
func (m *Metrics) ForgetTank(tank, unit string) {
	if m == nil {
		return
	}
	m.total.DeleteLabelValues(tank, unit)
	m.rate.DeleteLabelValues(tank, unit+"/h")
}
