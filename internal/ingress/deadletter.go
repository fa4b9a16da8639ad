package ingress

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/JasonSnail/FECP/internal/types"
)

// ParkedEvent 是死信文件中的一条记录
// 重试耗尽的事件落在这里等待人工回放，绝不静默丢弃
type ParkedEvent struct {
	Event    types.IncomingEvent `json:"event"`
	Reason   string              `json:"reason"`
	ParkedAt time.Time           `json:"parkedAt"`
}

// DeadLetter 是基于追加文件的死信区
type DeadLetter struct {
	file *os.File
	mu   sync.Mutex
}

// NewDeadLetter 创建或打开一个死信文件
func NewDeadLetter(path string) (*DeadLetter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &DeadLetter{file: file}, nil
}

// Park 把事件写入死信文件
func (d *DeadLetter) Park(ev types.IncomingEvent, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := ParkedEvent{Event: ev, Reason: reason, ParkedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := d.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止二次丢失
	return d.file.Sync()
}

// Drain 读出死信文件中的全部事件，供人工回放工具使用
func (d *DeadLetter) Drain() ([]ParkedEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []ParkedEvent
	scanner := bufio.NewScanner(d.file)
	for scanner.Scan() {
		var entry ParkedEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if _, err := d.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return out, nil
}

// Close 关闭死信文件
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
