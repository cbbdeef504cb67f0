package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestLatency    *prometheus.HistogramVec
	CostUSD           *prometheus.CounterVec
	BudgetTransitions *prometheus.CounterVec
	RateLimitRejects  prometheus.Counter
	CircuitOpens      *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigov_requests_total",
			Help: "AI requests routed through the governance layer",
		}, []string{"request_type", "provider", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigov_request_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"request_type", "provider", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigov_cost_usd_total",
			Help: "Estimated USD cost of provider calls",
		}, []string{"provider", "model"}),
		BudgetTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigov_budget_transitions_total",
			Help: "Budget status transitions by target status",
		}, []string{"to_status", "tier"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aigov_rate_limit_rejects_total",
			Help: "Requests rejected by the tier rate limiter",
		}),
		CircuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigov_circuit_opens_total",
			Help: "Provider circuit breaker open transitions",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD,
		m.BudgetTransitions, m.RateLimitRejects, m.CircuitOpens)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
