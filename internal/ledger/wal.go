package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/JasonSnail/FECP/internal/types"
)

// WAL 是基于追加日志文件的账本实现
// 每条记录一行 JSON，写入后 fsync，文件本身就是权威历史
type WAL struct {
	file  *os.File
	mu    sync.RWMutex
	index map[string][]types.TransitionRecord // 实体 ID -> 有序记录，查询走内存索引
}

// NewWAL 创建或打开一个账本文件，并把已有记录载入内存索引
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{file: file, index: make(map[string][]types.TransitionRecord)}
	if err := w.load(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// load 从文件头扫描全部记录重建内存索引
// 按记录 ID 去重：整批写入失败后重试会把批次前缀再写一遍，回放时只算一次
func (w *WAL) load() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r types.TransitionRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			// 忽略损坏的行（进程崩溃时可能留下半行）
			continue
		}
		if r.ID != "" {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		w.index[r.EntityID] = append(w.index[r.EntityID], r)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// Append 把整批记录编入一个缓冲区，单次写入后做一次 fsync
// 单次写入避免批次中途失败在文件里留下前缀；写盘成功后才进入内存索引，
// 查询不会观察到半写的记录
func (w *WAL) Append(_ context.Context, records ...types.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	for _, r := range records {
		w.index[r.EntityID] = append(w.index[r.EntityID], r)
	}
	return nil
}

// QueryByEntity 返回某实体在时间窗内的有序记录副本
func (w *WAL) QueryByEntity(_ context.Context, entityID string, from, to time.Time) ([]types.TransitionRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []types.TransitionRecord
	for _, r := range w.index[entityID] {
		if inWindow(r, from, to) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// Replay 返回全量记录，按实体内顺序排列
func (w *WAL) Replay(_ context.Context) ([]types.TransitionRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []types.TransitionRecord
	for _, records := range w.index {
		out = append(out, records...)
	}
	sortRecords(out)
	return out, nil
}

// Close 关闭账本文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
