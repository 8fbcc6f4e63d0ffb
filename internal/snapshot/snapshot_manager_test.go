package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrTime(t time.Time) *time.Time { return &t }

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("jobs.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "jobs.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	now := time.Date(2025, 11, 12, 10, 30, 0, 0, time.UTC)
	originalData := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-00000001": {
				ID:        "job-00000001",
				TaskName:  "scan_market",
				Status:    types.StatusPending,
				CreatedAt: now,
			},
			"job-00000002": {
				ID:        "job-00000002",
				TaskName:  "test_trade",
				Status:    types.StatusRunning,
				CreatedAt: now,
				StartedAt: ptrTime(now.Add(time.Second)),
			},
			"job-00000003": {
				ID:         "job-00000003",
				TaskName:   "analyze_portfolio",
				Status:     types.StatusDone,
				CreatedAt:  now,
				StartedAt:  ptrTime(now.Add(time.Second)),
				FinishedAt: ptrTime(now.Add(2 * time.Second)),
				Result:     map[string]any{"success": true},
			},
			"job-00000004": {
				ID:         "job-00000004",
				TaskName:   "test_trade",
				Status:     types.StatusError,
				CreatedAt:  now,
				StartedAt:  ptrTime(now.Add(time.Second)),
				FinishedAt: ptrTime(now.Add(2 * time.Second)),
				Error:      "exit status 1",
			},
		},
	}

	require.NoError(t, manager.Write(originalData))

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, 1, loadedData.SchemaVer)
	require.Len(t, loadedData.Jobs, len(originalData.Jobs))

	for jobID, originalJob := range originalData.Jobs {
		loadedJob, exists := loadedData.Jobs[jobID]
		require.True(t, exists, "Job %s should exist", jobID)
		assert.Equal(t, originalJob.TaskName, loadedJob.TaskName)
		assert.Equal(t, originalJob.Status, loadedJob.Status)
		assert.True(t, originalJob.CreatedAt.Equal(loadedJob.CreatedAt))
		assert.Equal(t, originalJob.Error, loadedJob.Error)
	}
	assert.Equal(t, map[string]any{"success": true}, loadedData.Jobs["job-00000003"].Result)
}

// TestWriteCreatesParentDir 測試父目錄不存在時自動建立
func TestWriteCreatesParentDir(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "data", "nested", "jobs.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	initialData := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-old": {ID: "job-old", TaskName: "old", Status: types.StatusPending},
		},
	}
	require.NoError(t, manager.Write(initialData))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		newData := types.SnapshotData{
			Jobs: map[types.JobID]*types.Job{
				"job-new": {ID: "job-new", TaskName: "new", Status: types.StatusPending},
			},
		}
		assert.NoError(t, manager.Write(newData))
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	require.Len(t, loadedData.Jobs, 1)
	_, hasOld := loadedData.Jobs["job-old"]
	_, hasNew := loadedData.Jobs["job-new"]
	assert.True(t, hasOld || hasNew)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loadedData.SchemaVer)
	assert.NotNil(t, loadedData.Jobs)
	assert.Empty(t, loadedData.Jobs)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{Jobs: map[types.JobID]*types.Job{}, SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"jobs": {"job-001": {"job_id": "job-001", "status": "PENDING"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestLoadRepairsMissingIDs 舊檔只以 map key 記錄 id 時，載入後補齊
func TestLoadRepairsMissingIDs(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "jobs.json")
	manager := NewManager(snapshotPath)

	raw := `{"schema_ver": 1, "jobs": {"job-abc": {"task_name": "scan_market", "status": "DONE"}, "job-nil": null}}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(raw), 0o644))

	data, err := manager.Load()
	require.NoError(t, err)
	require.Len(t, data.Jobs, 1)
	assert.Equal(t, types.JobID("job-abc"), data.Jobs["job-abc"].ID)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	manager := NewManager(filepath.Join(readOnlyDir, "jobs.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))

	largeData := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job)}
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%08x", i))
		largeData.Jobs[id] = &types.Job{ID: id, TaskName: "scan_market", Status: types.StatusPending}
	}

	start := time.Now()
	require.NoError(t, manager.Write(largeData))
	t.Logf("寫入 1000 筆紀錄耗時: %v", time.Since(start))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1000)
}

// TestSyncDirFailureIsLogged 目錄 fsync 失敗時記錄日誌而不是靜默略過
func TestSyncDirFailureIsLogged(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	missing := filepath.Join(t.TempDir(), "gone")
	syncDir(missing)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, missing, line["dir"])
	assert.NotEmpty(t, line["error"])
}
