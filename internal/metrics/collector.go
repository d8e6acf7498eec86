// Package metrics 运行指标，挂在控制面板的 /metrics 上
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ucampus"

// Collector 指标收集器。使用独立的 Registry，便于测试中重复创建。
type Collector struct {
	registry *prometheus.Registry

	unitsVisited   *prometheus.CounterVec
	handlerResults *prometheus.CounterVec
	oracleRequests *prometheus.CounterVec
	oracleDuration *prometheus.HistogramVec
	runsTotal      *prometheus.CounterVec
	fieldsInjected *prometheus.CounterVec
	loopRunning    prometheus.Gauge
}

// NewCollector 创建指标收集器
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		unitsVisited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_visited_total",
			Help:      "Visited task/tab pairs by classified content type",
		}, []string{"type"}),
		handlerResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_results_total",
			Help:      "Handler outcomes by content type and status",
		}, []string{"type", "status"}),
		oracleRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Answer oracle calls by backend and status",
		}, []string{"backend", "status"}),
		oracleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_request_duration_seconds",
			Help:      "Answer oracle call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"backend"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Control loop runs by final state",
		}, []string{"state"}),
		fieldsInjected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fields_injected_total",
			Help:      "Form fields touched by the injector by outcome",
		}, []string{"outcome"}),
		loopRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_running",
			Help:      "1 while the control loop is running",
		}),
	}
}

// Registry 暴露底层 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// UnitVisited 记录一次 (任务, 标签) 访问
func (c *Collector) UnitVisited(contentType string) {
	if c == nil {
		return
	}
	c.unitsVisited.WithLabelValues(contentType).Inc()
}

// HandlerResult 记录处理结果
func (c *Collector) HandlerResult(contentType, status string) {
	if c == nil {
		return
	}
	c.handlerResults.WithLabelValues(contentType, status).Inc()
}

// OracleRequest 记录一次模型调用
func (c *Collector) OracleRequest(backend string, err error, d time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.oracleRequests.WithLabelValues(backend, status).Inc()
	c.oracleDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// FieldInjected 记录一个输入框的填写结果
func (c *Collector) FieldInjected(outcome string) {
	if c == nil {
		return
	}
	c.fieldsInjected.WithLabelValues(outcome).Inc()
}

// RunStarted 控制循环开始
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.loopRunning.Set(1)
}

// RunFinished 控制循环结束
func (c *Collector) RunFinished(state string) {
	if c == nil {
		return
	}
	c.loopRunning.Set(0)
	c.runsTotal.WithLabelValues(state).Inc()
}
