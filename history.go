package bulkinsert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry 一次 flush 尝试的记录
type HistoryEntry struct {
	ID        uuid.UUID     `json:"id"`
	Table     string        `json:"table"`
	Query     string        `json:"query"`
	Args      []any         `json:"args,omitempty"`
	Rows      int           `json:"rows"`
	Affected  int64         `json:"affected"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// DefaultHistorySize 默认保留最近1000次记录
const DefaultHistorySize = 1000

// MemoryHistory 内存中的有界历史记录
type MemoryHistory struct {
	entries []HistoryEntry
	maxSize int
	mutex   sync.RWMutex
}

var _ History = (*MemoryHistory)(nil)

// NewMemoryHistory 创建内存历史，size <= 0 时使用 DefaultHistorySize
func NewMemoryHistory(size int) *MemoryHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryHistory{
		entries: make([]HistoryEntry, 0),
		maxSize: size,
	}
}

// Record 记录一次执行，超出上限时丢弃最旧的记录
func (h *MemoryHistory) Record(_ context.Context, entry HistoryEntry) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxSize {
		copy(h.entries, h.entries[len(h.entries)-h.maxSize:])
		h.entries = h.entries[:h.maxSize]
	}
}

// Entries 返回记录快照，按时间先后
func (h *MemoryHistory) Entries() []HistoryEntry {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len 当前记录数
func (h *MemoryHistory) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.entries)
}

// Reset 清空记录
func (h *MemoryHistory) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.entries = h.entries[:0]
}
