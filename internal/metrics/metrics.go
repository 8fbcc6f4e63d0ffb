// ============================================================================
// Button-Agent Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露系統運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - button_jobs_created_total{task}: 建立的任務紀錄數
//      - button_jobs_started_total{task}: 開始執行的任務數
//      - button_jobs_done_total{task}: 成功完成的任務數
//      - button_jobs_failed_total{task}: 執行失敗的任務數
//
//   2. 排程與決策 (Counter)：
//      - button_scheduler_triggers_total{task}: 自動觸發次數
//      - button_scheduler_trigger_errors_total{task}: 自動觸發失敗次數
//      - button_oracle_decisions_total{type}: 各類決策數（含失敗後的 wait）
//      - button_oracle_failures_total: Oracle 呼叫失敗次數
//
//   3. 性能指標 (Histogram)：
//      - button_job_execution_seconds{task}: 任務執行時間分佈
//
//   4. 狀態指標 (Gauge)：
//      - button_recovery_time_seconds: 最近一次啟動恢復耗時
//      - button_jobs{status}: 各狀態任務數
//      - button_jobs_in_flight: 目前執行中的任務數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(button_jobs_done_total[1m])
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le) (rate(button_job_execution_seconds_bucket[5m])))
//
//   # Oracle 失敗率
//   rate(button_oracle_failures_total[5m]) / sum(rate(button_oracle_decisions_total[5m]))
//
// 註冊:
//   Collector 註冊到呼叫端傳入的 prometheus.Registerer，
//   測試可以各自使用獨立的 prometheus.NewRegistry()。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/ChuLiYu/button-agent/internal/worker"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "button"

// Collector Prometheus 指標收集器
//
// 同時實作 worker.Recorder、scheduler.Observer 與 watcher.Observer。
type Collector struct {
	// 任務相關指標
	jobsCreated *prometheus.CounterVec
	jobsStarted *prometheus.CounterVec
	jobsDone    *prometheus.CounterVec
	jobsFailed  *prometheus.CounterVec

	// 排程與決策
	schedulerTriggers *prometheus.CounterVec
	schedulerErrors   *prometheus.CounterVec
	oracleDecisions   *prometheus.CounterVec
	oracleFailures    prometheus.Counter

	// 效能指標
	jobExecution *prometheus.HistogramVec
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobsByStatus *prometheus.GaugeVec
	jobsInFlight prometheus.Gauge
}

// NewCollector 建立指標收集器並註冊到 reg
//
// 同一個 Registerer 重複註冊會 panic，一個行程應只有一個 Collector。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Total number of jobs created",
		}, []string{"task"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs that started executing",
		}, []string{"task"}),
		jobsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_done_total",
			Help:      "Total number of jobs completed successfully",
		}, []string{"task"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that ended in ERROR",
		}, []string{"task"}),
		schedulerTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers_total",
			Help:      "Total number of automatic task triggers",
		}, []string{"task"}),
		schedulerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_trigger_errors_total",
			Help:      "Total number of automatic triggers that failed",
		}, []string{"task"}),
		oracleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_decisions_total",
			Help:      "Decisions routed by the completion watcher",
		}, []string{"type"}),
		oracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_failures_total",
			Help:      "Oracle calls that failed and fell back to wait",
		}),
		jobExecution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"task"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state at startup in seconds",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by status",
		}, []string{"status"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of executing jobs",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsCreated,
		c.jobsStarted,
		c.jobsDone,
		c.jobsFailed,
		c.schedulerTriggers,
		c.schedulerErrors,
		c.oracleDecisions,
		c.oracleFailures,
		c.jobExecution,
		c.recoveryTime,
		c.jobsByStatus,
		c.jobsInFlight,
	)

	return c
}

// RecordCreated 記錄建立一筆任務紀錄
func (c *Collector) RecordCreated(taskName string) {
	c.jobsCreated.WithLabelValues(taskName).Inc()
}

// JobStarted 記錄任務開始執行（worker.Recorder）
func (c *Collector) JobStarted(taskName string) {
	c.jobsStarted.WithLabelValues(taskName).Inc()
	c.jobsInFlight.Inc()
}

// JobFinished 記錄任務結束（worker.Recorder）
func (c *Collector) JobFinished(r worker.Result) {
	c.jobsInFlight.Dec()
	c.jobExecution.WithLabelValues(r.TaskName).Observe(r.Duration.Seconds())
	if r.Success {
		c.jobsDone.WithLabelValues(r.TaskName).Inc()
	} else {
		c.jobsFailed.WithLabelValues(r.TaskName).Inc()
	}
}

// SchedulerTriggered 記錄一次自動觸發（scheduler.Observer）
func (c *Collector) SchedulerTriggered(taskName string, err error) {
	c.schedulerTriggers.WithLabelValues(taskName).Inc()
	if err != nil {
		c.schedulerErrors.WithLabelValues(taskName).Inc()
	}
}

// OracleDecided 記錄一個已路由的決策（watcher.Observer）
func (c *Collector) OracleDecided(decisionType string) {
	c.oracleDecisions.WithLabelValues(decisionType).Inc()
}

// OracleFailed 記錄一次 Oracle 呼叫失敗（watcher.Observer）
func (c *Collector) OracleFailed() {
	c.oracleFailures.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateJobStats 以 Store.Stats() 的結果更新各狀態任務數
func (c *Collector) UpdateJobStats(stats map[types.JobStatus]int) {
	for status, n := range stats {
		c.jobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Handler 回傳暴露 g 中指標的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
