package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTasks = `tasks:
  scan_market:
    type: python_module
    module: market:scan
    auto: true
    interval_sec: 60
    description: Scan market indices
  disk_usage:
    type: shell
    command: df -h
    auto: false
    description: Show disk usage
risk_limits:
  max_loss_per_day: 20000
  max_position_size: 100000
`

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	r, err := Load(writeTasks(t, sampleTasks))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"disk_usage", "scan_market"}, r.Names())

	def, err := r.Get("scan_market")
	require.NoError(t, err)
	assert.Equal(t, "scan_market", def.Name)
	assert.Equal(t, types.KindOperation, def.Kind, "python_module is an alias of operation")
	assert.Equal(t, "market:scan", def.Module)
	assert.True(t, def.Auto)
	assert.Equal(t, 60, def.IntervalSec)

	limits := r.RiskLimits()
	assert.Equal(t, 20000, limits["max_loss_per_day"])
	assert.Equal(t, 100000, limits["max_position_size"])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "Malformed YAML", content: "tasks: [unterminated"},
		{name: "Unknown type", content: "tasks:\n  x:\n    type: ftp\n"},
		{name: "Shell without command", content: "tasks:\n  x:\n    type: shell\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTasks(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.RiskLimits())
}

func TestGetUnknown(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Has("nope"))
}

func TestRegisterWritesThrough(t *testing.T) {
	path := writeTasks(t, sampleTasks)
	r, err := Load(path)
	require.NoError(t, err)

	err = r.Register(types.TaskDefinition{
		Name:        "echo_hello",
		Kind:        types.KindShell,
		Command:     "echo hello",
		Description: "Say hello",
	})
	require.NoError(t, err)
	assert.True(t, r.Has("echo_hello"))

	// a fresh load sees the new definition and the untouched risk limits
	reloaded, err := Load(path)
	require.NoError(t, err)
	def, err := reloaded.Get("echo_hello")
	require.NoError(t, err)
	assert.Equal(t, "echo hello", def.Command)
	assert.Equal(t, 3, reloaded.Len())
	assert.Equal(t, 20000, reloaded.RiskLimits()["max_loss_per_day"])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterRejects(t *testing.T) {
	tests := []struct {
		name    string
		def     types.TaskDefinition
		wantErr error
	}{
		{
			name:    "Duplicate name",
			def:     types.TaskDefinition{Name: "scan_market", Kind: types.KindShell, Command: "true"},
			wantErr: ErrDuplicateName,
		},
		{
			name:    "Missing name",
			def:     types.TaskDefinition{Kind: types.KindShell, Command: "true"},
			wantErr: types.ErrInvalidDefinition,
		},
		{
			name:    "Operation without module",
			def:     types.TaskDefinition{Name: "op", Kind: types.KindOperation},
			wantErr: types.ErrInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Load(writeTasks(t, sampleTasks))
			require.NoError(t, err)

			err = r.Register(tt.def)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 2, r.Len())
		})
	}
}

func TestRegisterRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	r, err := Load(filepath.Join(blocker, "tasks.yaml"))
	require.NoError(t, err)

	err = r.Register(types.TaskDefinition{Name: "x", Kind: types.KindShell, Command: "true"})
	assert.Error(t, err)
	assert.False(t, r.Has("x"))
}

func TestNewRejectsDuplicates(t *testing.T) {
	def := types.TaskDefinition{Name: "a", Kind: types.KindShell, Command: "true"}
	_, err := New(def, def)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRiskLimitsIsCopy(t *testing.T) {
	r, err := Load(writeTasks(t, sampleTasks))
	require.NoError(t, err)

	limits := r.RiskLimits()
	limits["max_loss_per_day"] = 0
	assert.Equal(t, 20000, r.RiskLimits()["max_loss_per_day"])
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(types.TaskDefinition{
				Name:    "task_" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
				Kind:    types.KindShell,
				Command: "true",
			})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
