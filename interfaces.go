package bulkinsert

import (
	"context"
	"database/sql"
	"time"
)

// Conn 引擎所需的数据库连接能力（显式枚举，不做任意方法转发）
type Conn interface {
	// Exec 执行不返回结果集的语句（如 USE / SET search_path）
	Exec(ctx context.Context, query string, args ...any) error

	// Query 执行查询并返回全部行，每行为 列名 -> 值
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// Begin 开启事务
	Begin(ctx context.Context) (Tx, error)
}

// Tx 单次 flush 使用的事务
type Tx interface {
	Prepare(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Stmt 预编译语句
type Stmt interface {
	Exec(ctx context.Context, args ...any) (sql.Result, error)
	Close() error
}

// MetricsReporter 性能监控报告器接口
type MetricsReporter interface {
	// ObserveFlushDuration 单次 flush 耗时；status: success / rejected / fail
	ObserveFlushDuration(table string, rows int, d time.Duration, status string)

	// ObserveBatchSize 单次 flush 的行数
	ObserveBatchSize(table string, rows int)

	// ObserveBatchBytes 单次 flush 的估算字节数
	ObserveBatchBytes(table string, bytes int)

	// IncDropped 被过滤掉的字段数
	IncDropped(table string, n int)

	// IncError 错误计数，kind 如 "prepare" / "exec" / "commit"
	IncError(table string, kind string)

	// SetBuffered 当前缓冲行数
	SetBuffered(table string, rows int)
}

// History 已执行语句的观察者（可选，不影响正确性）
type History interface {
	Record(ctx context.Context, entry HistoryEntry)
}
