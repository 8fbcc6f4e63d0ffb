// Package registry 維護可執行任務（按鈕）的登錄表
//
// 登錄表在啟動時從 tasks.yaml 載入，之後只在註冊新定義時變更；
// 每次註冊都會原子性地重寫 tasks.yaml，回傳時新定義已持久化。
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateName = errors.New("task already exists")
	ErrNotFound      = errors.New("task not found")
)

// document tasks.yaml 的檔案結構
type document struct {
	Tasks      map[string]types.TaskDefinition `yaml:"tasks"`
	RiskLimits map[string]any                  `yaml:"risk_limits,omitempty"`
}

// Registry 任務登錄表，讀取可並行，註冊互斥
type Registry struct {
	mu         sync.RWMutex
	path       string // 空字串表示僅存在記憶體
	tasks      map[string]types.TaskDefinition
	riskLimits map[string]any
}

// New 建立空的記憶體登錄表
func New(defs ...types.TaskDefinition) (*Registry, error) {
	r := &Registry{
		tasks:      make(map[string]types.TaskDefinition),
		riskLimits: make(map[string]any),
	}
	for _, def := range defs {
		def.Normalize()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tasks[def.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
		}
		r.tasks[def.Name] = def
	}
	return r, nil
}

// Load 從 tasks.yaml 載入登錄表
//
// 檔案不存在時回傳空登錄表（之後的註冊會建立檔案）；
// 無法讀取或格式錯誤則回傳錯誤，由呼叫端決定是否中止啟動。
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:       path,
		tasks:      make(map[string]types.TaskDefinition),
		riskLimits: make(map[string]any),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("tasks file not found, starting with empty registry", "path", path)
			return r, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w", path, err)
	}

	for name, def := range doc.Tasks {
		def.Name = name
		def.Normalize()
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("tasks file %s: %w", path, err)
		}
		r.tasks[def.Name] = def
	}
	for k, v := range doc.RiskLimits {
		r.riskLimits[k] = v
	}

	slog.Info("task registry loaded", "path", path, "tasks", len(r.tasks))
	return r, nil
}

// Register 註冊新任務定義並寫回 tasks.yaml
//
// 錯誤處理：
//   - types.ErrInvalidDefinition: 欄位不合法
//   - ErrDuplicateName: 名稱已存在
//   - 寫檔失敗：記憶體中的新增會被回滾
func (r *Registry) Register(def types.TaskDefinition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	r.tasks[def.Name] = def

	if err := r.saveLocked(); err != nil {
		delete(r.tasks, def.Name)
		return fmt.Errorf("save tasks file: %w", err)
	}

	slog.Info("task registered", "task", def.Name, "type", def.Kind, "auto", def.Auto)
	return nil
}

// Get 依名稱取得定義
func (r *Registry) Get(name string) (types.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tasks[name]
	if !ok {
		return types.TaskDefinition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

// Has 名稱是否存在（供 jobmanager.Store 檢查 UnknownTask）
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// List 依名稱排序回傳所有定義
func (r *Registry) List() []types.TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TaskDefinition, 0, len(r.tasks))
	for _, def := range r.tasks {
		out = append(out, def)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Names 依名稱排序回傳所有任務名稱
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Len 任務數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// RiskLimits 回傳風險限制設定的副本
func (r *Registry) RiskLimits() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.riskLimits))
	for k, v := range r.riskLimits {
		out[k] = v
	}
	return out
}

// saveLocked 以 temp file + rename 原子性重寫 tasks.yaml，呼叫端必須持有寫鎖
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	doc := document{Tasks: r.tasks}
	if len(r.riskLimits) > 0 {
		doc.RiskLimits = r.riskLimits
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
