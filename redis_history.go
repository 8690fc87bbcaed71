package bulkinsert

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisHistory 将执行记录写入 Redis Stream
// 写入失败只记录日志，不影响 flush 结果
type RedisHistory struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

var _ History = (*RedisHistory)(nil)

// NewRedisHistory 创建 Redis 历史记录器，Stream 默认保留 DefaultHistorySize 条
func NewRedisHistory(client *redis.Client, stream string) *RedisHistory {
	if stream == "" {
		stream = "bulkinsert:history"
	}
	return &RedisHistory{
		client: client,
		stream: stream,
		maxLen: DefaultHistorySize,
		logger: slog.Default(),
	}
}

// WithMaxLen 设置 Stream 近似最大长度
func (h *RedisHistory) WithMaxLen(maxLen int64) *RedisHistory {
	if maxLen <= 0 {
		maxLen = DefaultHistorySize
	}
	h.maxLen = maxLen
	return h
}

// WithLogger 设置日志
func (h *RedisHistory) WithLogger(logger *slog.Logger) *RedisHistory {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// Stream 返回 Stream 名称
func (h *RedisHistory) Stream() string {
	return h.stream
}

func (h *RedisHistory) Record(ctx context.Context, entry HistoryEntry) {
	args, err := json.Marshal(entry.Args)
	if err != nil {
		args = []byte("[]")
	}

	err = h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.stream,
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":          entry.ID.String(),
			"table":       entry.Table,
			"query":       entry.Query,
			"args":        string(args),
			"rows":        strconv.Itoa(entry.Rows),
			"affected":    strconv.FormatInt(entry.Affected, 10),
			"status":      entry.Status,
			"error":       entry.Error,
			"duration_ms": strconv.FormatInt(entry.Duration.Milliseconds(), 10),
			"timestamp":   entry.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		h.logger.Warn("bulkinsert: record history failed",
			"stream", h.stream, "flush_id", entry.ID, "error", err)
	}
}
