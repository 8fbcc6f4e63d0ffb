package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
)

// maxLineBytes 單一事件行的上限
const maxLineBytes = 1 << 20

// scanEvents 逐行解析 WAL 檔案
//
// 最後一行若無法解析，視為寫入途中崩潰留下的殘行，回呼 onTorn 後結束；
// 其他位置的損壞回傳 *CorruptionError。
func scanEvents(path string, fn func(Event) error, onTorn func(line int)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	var pending error
	pendingLine := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			// 損壞的行後面還有資料，不是殘行
			return &CorruptionError{Line: pendingLine, Cause: pending}
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pending = err
			pendingLine = line
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	if pending != nil && onTorn != nil {
		onTorn(pendingLine)
	}
	return nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 用途：NewWAL 時需要取得 last_seq 以繼續編號
//
// 回傳：
//
//	最後一個事件，檔案沒有任何事件時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scanEvents(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數（除錯與診斷用）
func CountEvents(path string) (int, error) {
	n := 0
	err := scanEvents(path, func(Event) error {
		n++
		return nil
	}, nil)
	return n, err
}
