// Package monitoring exposes the control plane's own operational metrics
// on a private prometheus registry. Collectors are fed from the event
// bus so instrumented components stay unaware of prometheus.
package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gitops-sentinel/pkg/events"
)

// Metrics owns the registry and every collector.
type Metrics struct {
	registry *prometheus.Registry
	log      zerolog.Logger

	deploymentsTotal   *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	rollbacksTotal     prometheus.Counter
	healthScore        *prometheus.GaugeVec
	failureProbability *prometheus.GaugeVec
	alertsTotal        *prometheus.CounterVec
	webhookVerdicts    *prometheus.CounterVec
}

// New creates the registry with all collectors registered, plus the
// standard Go runtime and process collectors.
func New(log zerolog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("component", "monitoring").Logger(),
		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "deployments_total",
			Help:      "Deployments reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of deployment stages.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "state"}),
		rollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "rollbacks_total",
			Help:      "Rollback deployments initiated.",
		}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "health_score",
			Help:      "Latest composite health score per repository.",
		}, []string{"repository"}),
		failureProbability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "failure_probability",
			Help:      "Latest predicted pipeline failure probability per repository.",
		}, []string{"repository"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alerts_total",
			Help:      "Alerts raised, by kind.",
		}, []string{"kind"}),
		webhookVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries, by verdict.",
		}, []string{"verdict"}),
	}

	m.registry.MustRegister(
		m.deploymentsTotal,
		m.stageDuration,
		m.rollbacksTotal,
		m.healthScore,
		m.failureProbability,
		m.alertsTotal,
		m.webhookVerdicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CountWebhook records one webhook delivery verdict (accepted, deduplicated,
// signature_invalid, malformed, rate_limited, too_large).
func (m *Metrics) CountWebhook(verdict string) {
	m.webhookVerdicts.WithLabelValues(verdict).Inc()
}

// RegisterBus adds a collector that snapshots the bus's published and
// dropped counters on every scrape.
func (m *Metrics) RegisterBus(bus *events.Bus) {
	m.registry.MustRegister(&busCollector{bus: bus})
}

// WatchBus consumes deployment, health, pipeline and alert events and
// updates the corresponding collectors until ctx is cancelled.
func (m *Metrics) WatchBus(ctx context.Context, bus *events.Bus) {
	deployments := bus.Subscribe(events.ChannelDeployments)
	health := bus.Subscribe(events.ChannelHealth)
	pipelines := bus.Subscribe(events.ChannelPipelines)
	alerts := bus.Subscribe(events.ChannelAlerts)
	defer deployments.Close()
	defer health.Close()
	defer pipelines.Close()
	defer alerts.Close()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Msg("bus watcher stopped")
			return
		case ev := <-deployments.C():
			m.observeDeployment(ev)
		case ev := <-health.C():
			if score, ok := payloadFloat(ev.Payload, "score"); ok {
				m.healthScore.WithLabelValues(ev.Repository).Set(score)
			}
		case ev := <-pipelines.C():
			if ev.Type != "failure-prediction" {
				continue
			}
			if p, ok := payloadFloat(ev.Payload, "probability"); ok {
				m.failureProbability.WithLabelValues(ev.Repository).Set(p)
			}
		case ev := <-alerts.C():
			m.alertsTotal.WithLabelValues(ev.Type).Inc()
		}
	}
}

func (m *Metrics) observeDeployment(ev events.Event) {
	switch ev.Type {
	case events.TypeCompleted:
		m.deploymentsTotal.WithLabelValues("completed").Inc()
	case events.TypeFailed:
		m.deploymentsTotal.WithLabelValues("failed").Inc()
	case events.TypeRollbackInitiated:
		m.rollbacksTotal.Inc()
	case events.TypeStageUpdate:
		stage, _ := ev.Payload["stage"].(string)
		state, _ := ev.Payload["state"].(string)
		if d, ok := payloadFloat(ev.Payload, "duration_s"); ok && stage != "" {
			m.stageDuration.WithLabelValues(stage, state).Observe(d)
		}
	}
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// busCollector exports the bus's cumulative per-channel counters.
type busCollector struct {
	bus *events.Bus
}

var (
	busPublishedDesc = prometheus.NewDesc(
		"sentinel_bus_published_total",
		"Events published per channel.",
		[]string{"channel"}, nil)
	busDroppedDesc = prometheus.NewDesc(
		"sentinel_bus_dropped_total",
		"Events dropped by full subscriber buffers, per channel.",
		[]string{"channel"}, nil)
)

func (c *busCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- busPublishedDesc
	ch <- busDroppedDesc
}

func (c *busCollector) Collect(ch chan<- prometheus.Metric) {
	published, dropped := c.bus.Stats()
	for channel, n := range published {
		ch <- prometheus.MustNewConstMetric(busPublishedDesc, prometheus.CounterValue, float64(n), channel)
	}
	for channel, n := range dropped {
		ch <- prometheus.MustNewConstMetric(busDroppedDesc, prometheus.CounterValue, float64(n), channel)
	}
}
