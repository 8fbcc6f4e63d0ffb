package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/button-agent/internal/worker"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsCreated)
	assert.NotNil(t, collector.jobExecution)
	assert.NotNil(t, collector.recoveryTime)

	// gauge 與沒有 label 的 counter 一註冊就可以被收集
	n, err := testutil.GatherAndCount(reg, "button_oracle_failures_total", "button_recovery_time_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJobLifecycle(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCreated("scan_market")
	collector.JobStarted("scan_market")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsInFlight))

	collector.JobFinished(worker.Result{TaskName: "scan_market", Success: true, Duration: 200 * time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsCreated.WithLabelValues("scan_market")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsStarted.WithLabelValues("scan_market")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsDone.WithLabelValues("scan_market")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsFailed.WithLabelValues("scan_market")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.jobExecution))
}

func TestJobFailure(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.JobStarted("test_trade")
	collector.JobFinished(worker.Result{TaskName: "test_trade", Success: false, Error: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFailed.WithLabelValues("test_trade")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsDone.WithLabelValues("test_trade")))
}

func TestSchedulerTriggered(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.SchedulerTriggered("scan_market", nil)
	collector.SchedulerTriggered("scan_market", errors.New("persist failed"))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.schedulerTriggers.WithLabelValues("scan_market")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.schedulerErrors.WithLabelValues("scan_market")))
}

func TestOracleMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.OracleDecided("run_button")
	collector.OracleFailed()
	collector.OracleDecided("wait")
	collector.OracleDecided("wait")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.oracleDecisions.WithLabelValues("run_button")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.oracleDecisions.WithLabelValues("wait")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.oracleFailures))
}

func TestUpdateJobStats(t *testing.T) {
	collector, _ := newTestCollector(t)

	testCases := []struct {
		name  string
		stats map[types.JobStatus]int
	}{
		{"zero values", map[types.JobStatus]int{types.StatusPending: 0, types.StatusDone: 0}},
		{"normal values", map[types.JobStatus]int{types.StatusPending: 3, types.StatusRunning: 2, types.StatusDone: 10}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateJobStats(tc.stats)
			for status, n := range tc.stats {
				assert.Equal(t, float64(n), testutil.ToFloat64(collector.jobsByStatus.WithLabelValues(string(status))))
			}
		})
	}
}

func TestSetRecoveryTime(t *testing.T) {
	collector, _ := newTestCollector(t)

	for _, rt := range []float64{0.001, 0.5, 1.5, 3.0} {
		collector.SetRecoveryTime(rt)
		assert.Equal(t, rt, testutil.ToFloat64(collector.recoveryTime))
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordCreated("scan_market")
			collector.JobStarted("scan_market")
			collector.JobFinished(worker.Result{TaskName: "scan_market", Success: true, Duration: time.Millisecond})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.jobsDone.WithLabelValues("scan_market")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsInFlight))
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	// 同一個 registry 重複註冊會 panic
	assert.Panics(t, func() {
		NewCollector(reg)
	})

	// 不同 registry 互不影響
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordCreated("disk_usage")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `button_jobs_created_total{task="disk_usage"} 1`)
}
