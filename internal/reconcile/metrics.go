package reconcile

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 任务运行结果标签
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultSkipped   = "skipped"
	ResultLockError = "lock_error"
)

// Metrics 对账任务指标
type Metrics struct {
	// 任务运行
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// 业务结果
	AgentInstalls     *prometheus.CounterVec
	InstancesSynced   prometheus.Counter
	InstancesReleased prometheus.Counter
	InstancesRetained prometheus.Counter
}

// NewMetrics 在 reg 上注册对账指标；reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		JobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "job_runs_total",
				Help:      "Reconcile job runs by result",
			},
			[]string{"job", "result"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "job_duration_seconds",
				Help:      "Reconcile job duration",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"job"},
		),
		AgentInstalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "agent_installs_total",
				Help:      "Automatic agent install attempts by outcome",
			},
			[]string{"outcome"},
		),
		InstancesSynced: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "instances_synced_total",
				Help:      "Nodes whose cloud instance info was updated",
			},
		),
		InstancesReleased: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "instances_released_total",
				Help:      "Expired cloud instances released",
			},
		),
		InstancesRetained: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "instances_retained_total",
				Help:      "Expired instances kept after a failed cloud release",
			},
		),
	}
}

// RecordRun 记录一次任务运行
func (m *Metrics) RecordRun(job, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	if result == ResultOK || result == ResultError {
		m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// RecordAgentInstalls 记录自动安装结果
func (m *Metrics) RecordAgentInstalls(installed, failed, unreachable int) {
	if m == nil {
		return
	}
	m.AgentInstalls.WithLabelValues("installed").Add(float64(installed))
	m.AgentInstalls.WithLabelValues("failed").Add(float64(failed))
	m.AgentInstalls.WithLabelValues("unreachable").Add(float64(unreachable))
}

// RecordSynced 记录实例信息同步数
func (m *Metrics) RecordSynced(n int) {
	if m == nil {
		return
	}
	m.InstancesSynced.Add(float64(n))
}

// RecordExpired 记录到期释放结果
func (m *Metrics) RecordExpired(released, retained int) {
	if m == nil {
		return
	}
	m.InstancesReleased.Add(float64(released))
	m.InstancesRetained.Add(float64(retained))
}

// Handler 返回指定 Gatherer 的 Prometheus HTTP Handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
