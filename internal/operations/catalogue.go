// Package operations 提供以參照字串（例如 "market:scan"）定址的行程內操作
package operations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperation 參照字串沒有對應的操作
var ErrUnknownOperation = errors.New("unknown operation")

// Func 一個不接受輸入、回傳任意結果的操作
type Func func(ctx context.Context) (any, error)

// Catalogue 參照字串 → 操作
type Catalogue struct {
	mu  sync.RWMutex
	ops map[string]Func
}

// NewCatalogue 建立空的操作目錄
func NewCatalogue() *Catalogue {
	return &Catalogue{ops: make(map[string]Func)}
}

// Register 登錄操作，重複的參照字串回傳錯誤
func (c *Catalogue) Register(ref string, fn Func) error {
	if ref == "" || fn == nil {
		return errors.New("operation reference and func are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ops[ref]; exists {
		return fmt.Errorf("operation %q already registered", ref)
	}
	c.ops[ref] = fn
	return nil
}

// MustRegister 同 Register，失敗時 panic（僅用於初始化）
func (c *Catalogue) MustRegister(ref string, fn Func) {
	if err := c.Register(ref, fn); err != nil {
		panic(err)
	}
}

// Lookup 依參照字串取得操作
func (c *Catalogue) Lookup(ref string) (Func, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.ops[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, ref)
	}
	return fn, nil
}

// Refs 排序後的所有參照字串
func (c *Catalogue) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ops))
	for ref := range c.ops {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
