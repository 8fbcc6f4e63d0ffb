package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/button-agent/internal/controller"
	"github.com/ChuLiYu/button-agent/internal/jobmanager"
	"github.com/ChuLiYu/button-agent/internal/notify"
	"github.com/ChuLiYu/button-agent/internal/registry"
	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// fakeService: registry + store in memory, jobs are never executed
// ============================================================================

type fakeService struct {
	reg       *registry.Registry
	store     *jobmanager.Store
	inbox     *notify.Inbox
	limits    map[string]any
	panicMode bool
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	reg, err := registry.New(
		types.TaskDefinition{Name: "scan_market", Kind: types.KindOperation, Module: "market:scan", Auto: true, IntervalSec: 3600},
		types.TaskDefinition{Name: "disk_usage", Kind: types.KindShell, Command: "df -h"},
	)
	require.NoError(t, err)
	return &fakeService{
		reg:    reg,
		store:  jobmanager.NewStore(reg, nil),
		inbox:  notify.NewInbox(reg),
		limits: map[string]any{"max_loss_per_day": 20000},
	}
}

func (f *fakeService) RunTask(ctx context.Context, name string) (types.JobID, error) {
	if f.panicMode {
		panic("boom")
	}
	return f.store.Create(name)
}
func (f *fakeService) GetJob(id types.JobID) (*types.Job, error)    { return f.store.Get(id) }
func (f *fakeService) ListJobs(s types.JobStatus) []*types.Job      { return f.store.List(s) }
func (f *fakeService) ListTasks() []types.TaskDefinition            { return f.reg.List() }
func (f *fakeService) DefineTask(def types.TaskDefinition) error    { return f.reg.Register(def) }
func (f *fakeService) RiskLimits() map[string]any                   { return f.limits }
func (f *fakeService) Proposals() []notify.Proposal                 { return f.inbox.List() }
func (f *fakeService) RejectProposal(id string) error               { return f.inbox.Reject(id) }
func (f *fakeService) ApproveProposal(id string) (types.TaskDefinition, error) {
	return f.inbox.Approve(id)
}
func (f *fakeService) Status() controller.Status {
	return controller.Status{Tasks: f.reg.Len(), Jobs: f.store.Stats()}
}

func newTestServer(t *testing.T, svc Service, gatherer prometheus.Gatherer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(svc, gatherer))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// ============================================================================
// Tests
// ============================================================================

func TestHealth(t *testing.T) {
	svc := newFakeService(t)
	srv := newTestServer(t, svc, nil)

	id, err := svc.store.Create("scan_market")
	require.NoError(t, err)
	require.NoError(t, svc.store.MarkRunning(id))

	code, body := do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, code)

	var h Health
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, Health{Status: "running", Service: ServiceName, TasksCount: 2, ActiveJobs: 1}, h)
}

func TestListButtons(t *testing.T) {
	srv := newTestServer(t, newFakeService(t), nil)

	code, body := do(t, srv, http.MethodGet, "/buttons", nil)
	require.Equal(t, http.StatusOK, code)

	var defs []types.TaskDefinition
	require.NoError(t, json.Unmarshal(body, &defs))
	require.Len(t, defs, 2)
	assert.Equal(t, "disk_usage", defs[0].Name)
	assert.Equal(t, types.KindShell, defs[0].Kind)
	assert.Equal(t, 3600, defs[1].IntervalSec)
}

func TestRunAndStatus(t *testing.T) {
	srv := newTestServer(t, newFakeService(t), nil)

	code, body := do(t, srv, http.MethodPost, "/run/scan_market", nil)
	require.Equal(t, http.StatusOK, code)

	var run RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.True(t, strings.HasPrefix(string(run.JobID), "job-"))
	assert.Equal(t, "scan_market", run.TaskName)
	assert.Equal(t, types.StatusPending, run.Status)

	code, body = do(t, srv, http.MethodGet, "/status/"+string(run.JobID), nil)
	require.Equal(t, http.StatusOK, code)

	var job types.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, run.JobID, job.ID)
	assert.Equal(t, types.StatusPending, job.Status)
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeService(t), nil)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"unknown task", http.MethodPost, "/run/missing"},
		{"unknown job", http.MethodGet, "/status/job-deadbeef"},
		{"unknown proposal approve", http.MethodPost, "/proposals/nope/approve"},
		{"unknown proposal reject", http.MethodPost, "/proposals/nope/reject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusNotFound, code)

			var e map[string]string
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e["error"])
		})
	}
}

func TestListJobsFilter(t *testing.T) {
	svc := newFakeService(t)
	srv := newTestServer(t, svc, nil)

	done, err := svc.store.Create("scan_market")
	require.NoError(t, err)
	require.NoError(t, svc.store.MarkRunning(done))
	require.NoError(t, svc.store.Complete(done, map[string]any{"success": true}))
	_, err = svc.store.Create("disk_usage")
	require.NoError(t, err)

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"", http.StatusOK, 2},
		{"?status=DONE", http.StatusOK, 1},
		{"?status=done", http.StatusOK, 1},
		{"?status=pending", http.StatusOK, 1},
		{"?status=ERROR", http.StatusOK, 0},
		{"?status=bogus", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			code, body := do(t, srv, http.MethodGet, "/jobs"+tt.query, nil)
			require.Equal(t, tt.code, code)
			if code != http.StatusOK {
				return
			}
			var jobs []types.Job
			require.NoError(t, json.Unmarshal(body, &jobs))
			assert.Len(t, jobs, tt.want)
		})
	}
}

func TestDefineButton(t *testing.T) {
	svc := newFakeService(t)
	srv := newTestServer(t, svc, nil)

	def := map[string]any{
		"name":        "uptime",
		"type":        "shell",
		"command":     "uptime",
		"description": "load average",
	}

	code, body := do(t, srv, http.MethodPost, "/define_button", def)
	require.Equal(t, http.StatusOK, code, string(body))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Button 'uptime' created", resp["message"])
	assert.True(t, svc.reg.Has("uptime"))

	tests := []struct {
		name string
		body any
	}{
		{"duplicate", def},
		{"missing command", map[string]any{"name": "x", "type": "shell"}},
		{"unknown type", map[string]any{"name": "y", "type": "browser"}},
		{"malformed", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := do(t, srv, http.MethodPost, "/define_button", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

// TestDefineButtonLegacyKind python_module 視同 operation
func TestDefineButtonLegacyKind(t *testing.T) {
	svc := newFakeService(t)
	srv := newTestServer(t, svc, nil)

	code, _ := do(t, srv, http.MethodPost, "/define_button", map[string]any{
		"name": "legacy", "type": "python_module", "module": "tasks.scan_market:main",
	})
	require.Equal(t, http.StatusOK, code)

	def, err := svc.reg.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, types.KindOperation, def.Kind)
}

func TestRiskLimits(t *testing.T) {
	srv := newTestServer(t, newFakeService(t), nil)

	code, body := do(t, srv, http.MethodGet, "/risk_limits", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"max_loss_per_day": 20000}`, string(body))
}

func TestProposals(t *testing.T) {
	svc := newFakeService(t)
	srv := newTestServer(t, svc, nil)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.inbox.Propose(ctx, notify.Proposal{
		ID:         "p1",
		Definition: types.TaskDefinition{Name: "scan_fx", Kind: types.KindShell, Command: "echo fx"},
		CreatedAt:  base,
	}))
	require.NoError(t, svc.inbox.Propose(ctx, notify.Proposal{
		ID:         "p2",
		Definition: types.TaskDefinition{Name: "scan_bonds", Kind: types.KindShell, Command: "echo bonds"},
		CreatedAt:  base.Add(time.Second),
	}))

	code, body := do(t, srv, http.MethodGet, "/proposals", nil)
	require.Equal(t, http.StatusOK, code)
	var list []notify.Proposal
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, "scan_bonds", list[1].Definition.Name)

	code, body = do(t, srv, http.MethodPost, "/proposals/p1/approve", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, svc.reg.Has("scan_fx"))

	code, _ = do(t, srv, http.MethodPost, "/proposals/p2/reject", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, svc.reg.Has("scan_bonds"))
	assert.Empty(t, svc.inbox.List())
}

func TestRecoverer(t *testing.T) {
	svc := newFakeService(t)
	svc.panicMode = true
	srv := newTestServer(t, svc, nil)

	code, _ := do(t, srv, http.MethodPost, "/run/scan_market", nil)
	assert.Equal(t, http.StatusInternalServerError, code)

	// 伺服器仍可繼續服務
	code, _ = do(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "button_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(t, newFakeService(t), reg)
	code, body := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "button_test_total 1")

	noMetrics := newTestServer(t, newFakeService(t), nil)
	code, _ = do(t, noMetrics, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", jobmanager.ErrUnknownTask), http.StatusNotFound},
		{fmt.Errorf("%w: x", jobmanager.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", registry.ErrDuplicateName), http.StatusBadRequest},
		{fmt.Errorf("%w: x", types.ErrInvalidDefinition), http.StatusBadRequest},
		{controller.ErrStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
