package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务指标，注册在独立的 Registry 上，避免测试之间重复注册
type Metrics struct {
	registry *prometheus.Registry

	ConsumeTotal       *prometheus.CounterVec
	CreditsDebited     prometheus.Counter
	EscrowTransitions  *prometheus.CounterVec
	SettlementAttempts *prometheus.CounterVec
	SettlementResults  *prometheus.CounterVec
	OutboxSent         *prometheus.CounterVec
	HTTPRequests       *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConsumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "credit",
			Name:      "consume_total",
			Help:      "聊天扣费请求结果",
		}, []string{"result"}),
		CreditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "credit",
			Name:      "debited_total",
			Help:      "聊天累计扣除积分",
		}),
		EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "托管状态迁移次数",
		}, []string{"from", "to"}),
		SettlementAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "链上调用次数",
		}, []string{"op", "result"}),
		SettlementResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "settlement",
			Name:      "results_total",
			Help:      "结算终态数量",
		}, []string{"direction", "status"}),
		OutboxSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bezhas",
			Subsystem: "outbox",
			Name:      "sent_total",
			Help:      "outbox 投递结果",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bezhas",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP 请求耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConsumeTotal,
		m.CreditsDebited,
		m.EscrowTransitions,
		m.SettlementAttempts,
		m.SettlementResults,
		m.OutboxSent,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 接口
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
