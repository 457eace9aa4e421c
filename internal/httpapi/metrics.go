package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwgate/gateway/internal/pool"
	"github.com/cwgate/gateway/internal/tasks"
)

// metricsRegistry holds the three gauges/counters SPEC_FULL.md names for
// the gateway's operational surface, grounded on mercator-hq-jupiter's
// telemetry/metrics.Collector pattern (one prometheus.Registry, one
// *Vec per concern, scraped on demand rather than pushed).
type metricsRegistry struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	accountAvailable *prometheus.GaugeVec
	taskQueueDepth   *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	reg := prometheus.NewRegistry()
	m := &metricsRegistry{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cwgateway_requests_total",
			Help: "Chat completion requests handled, by model/quota_class/outcome.",
		}, []string{"model", "quota_class", "outcome"}),
		accountAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cwgateway_account_available",
			Help: "1 if the account is currently selectable, 0 otherwise.",
		}, []string{"account_id"}),
		taskQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cwgateway_task_queue_depth",
			Help: "Pending task count, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.requestsTotal, m.accountAvailable, m.taskQueueDepth)
	return m
}

// recordRequest increments the request counter for one completed call.
func (m *metricsRegistry) recordRequest(model, quotaClass, outcome string) {
	m.requestsTotal.WithLabelValues(model, quotaClass, outcome).Inc()
}

// refreshAccountGauges rewrites the account_available gauge from a fresh
// pool snapshot; called on each /admin/metrics scrape rather than kept
// continuously in sync, since account state already lives in the pool.
func (m *metricsRegistry) refreshAccountGauges(accounts []*pool.Account) {
	m.accountAvailable.Reset()
	for _, a := range accounts {
		val := 0.0
		if a.ShouldRetry() {
			val = 1.0
		}
		m.accountAvailable.WithLabelValues(a.ID()).Set(val)
	}
}

// refreshQueueGauges rewrites the task_queue_depth gauge from the queue's
// current pending counts.
func (m *metricsRegistry) refreshQueueGauges(q *tasks.Queue) {
	m.taskQueueDepth.Reset()
	for _, kind := range []tasks.Kind{tasks.KindRegister, tasks.KindRefresh} {
		m.taskQueueDepth.WithLabelValues(string(kind)).Set(float64(len(q.Pending(kind))))
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.refreshAccountGauges(s.pool.All())
	s.metrics.refreshQueueGauges(s.queue)
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}).ServeHTTP(w, r)
}
