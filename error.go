package bulkinsert

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument 构造参数无效
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfiguration 构造期无法获取必要的服务端配置（致命）
	ErrConfiguration = errors.New("configuration error")

	// ErrSchemaSwitchUnsupported 驱动不支持切换库
	ErrSchemaSwitchUnsupported = errors.New("schema switch not supported")

	// ErrNoConflictTarget upsert 需要冲突目标但表没有主键
	ErrNoConflictTarget = errors.New("no conflict target for upsert")

	// ErrEmptyBatch 空批次
	ErrEmptyBatch = errors.New("empty batch")
)

// FlushError flush 过程中数据库驱动返回的错误；事务已回滚，缓冲区保持不变
type FlushError struct {
	Table string
	Rows  int
	Op    string // generate / begin / prepare / exec / commit
	Err   error
}

// Error implements the error interface
func (e *FlushError) Error() string {
	return fmt.Sprintf("bulkinsert: flush %d rows into %s failed at %s: %v", e.Rows, e.Table, e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *FlushError) Unwrap() error {
	return e.Err
}
