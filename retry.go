package bulkinsert

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// RetryConfig 调用方显式重试 flush 的配置（引擎本身从不自动重试）
type RetryConfig struct {
	MaxAttempts int           // 总尝试次数（含首轮），建议 2~3
	BackoffBase time.Duration // 退避基值（指数退避起点）
	MaxBackoff  time.Duration // 最大退避时长（上限）
	// 自定义错误分类（可选）；返回是否可重试与原因标签
	Classifier func(error) (retryable bool, reason string)
	// RetryRejected 语句未影响任何行时是否也重试
	RetryRejected bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 20 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultRetryClassifier
	}
	return cfg
}

// FlushWithRetry 调用 Flush，失败且可重试时按指数退避 + 抖动再次调用。
// 失败的 flush 保持缓冲不变，因此重试只是再次 Flush。
func FlushWithRetry(ctx context.Context, b *BulkInserter, cfg RetryConfig) (FlushResult, error) {
	cfg = cfg.withDefaults()

	var (
		result FlushResult
		err    error
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err = b.Flush(ctx)

		retry := false
		reason := ""
		switch {
		case err != nil:
			retry, reason = cfg.Classifier(err)
		case !result.Committed && result.Rows > 0 && cfg.RetryRejected:
			retry, reason = true, StatusRejected
		default:
			return result, nil
		}

		if !retry || attempt == cfg.MaxAttempts {
			if err != nil {
				b.metricsReporter.IncError(b.table, "final:"+reason)
			}
			return result, err
		}
		b.metricsReporter.IncError(b.table, "retry:"+reason)
		b.logger.Info("bulkinsert: retrying flush",
			"table", b.table, "attempt", attempt, "reason", reason)

		timer := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			if err == nil {
				err = ctx.Err()
			}
			return result, err
		case <-timer.C:
		}
	}
	return result, err
}

// backoff 指数退避，抖动 ±20%
func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.MaxBackoff {
			d = cfg.MaxBackoff
			break
		}
	}
	jitter := time.Duration(float64(d) * 0.2)
	return d - jitter + time.Duration(rand.Int63n(int64(2*jitter)+1))
}

// DefaultRetryClassifier 默认错误分类：优先使用驱动错误码，退化为字符串匹配
func DefaultRetryClassifier(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	// 非可重试：上下文取消/超时
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, "context"
	}
	if errors.Is(err, ErrNoConflictTarget) || errors.Is(err, ErrEmptyBatch) {
		return false, "statement"
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true, "connection"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213:
			return true, "deadlock"
		case 1205:
			return true, "lock_timeout"
		case 1062:
			return false, "duplicate"
		case 1153:
			return false, "packet_too_large"
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if retryable, reason, ok := classifySQLState(string(pqErr.Code)); ok {
			return retryable, reason
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryable, reason, ok := classifySQLState(pgErr.Code); ok {
			return retryable, reason
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true, "lock_timeout"
		case sqlite3.ErrConstraint:
			return false, "constraint"
		}
	}

	// 朴素字符串分类（MySQL/PG 常见瞬态错误）
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "deadlock"):
		return true, "deadlock"
	case strings.Contains(s, "lock wait timeout"):
		return true, "lock_timeout"
	case strings.Contains(s, "timeout"):
		return true, "timeout"
	case strings.Contains(s, "connection") && (strings.Contains(s, "refused") || strings.Contains(s, "reset") || strings.Contains(s, "closed")):
		return true, "connection"
	case strings.Contains(s, "broken pipe") || strings.Contains(s, "eof"):
		return true, "io"
	default:
		return false, "non_retryable"
	}
}

// classifySQLState PostgreSQL SQLSTATE 分类
func classifySQLState(code string) (retryable bool, reason string, ok bool) {
	switch {
	case code == "40P01":
		return true, "deadlock", true
	case code == "40001":
		return true, "serialization", true
	case code == "55P03":
		return true, "lock_timeout", true
	case code == "23505":
		return false, "duplicate", true
	case strings.HasPrefix(code, "08"):
		return true, "connection", true
	}
	return false, "", false
}
