// Package bulkinsert provides a size-bounded, transactional bulk insert engine.
//
// Rows are staged in memory and written as a single multi-row INSERT whenever
// the buffered payload would exceed the server's maximum packet size. Every
// flush runs in its own transaction; a failed flush is rolled back and leaves
// the buffer untouched so the caller can retry.
//
// A BulkInserter is not safe for concurrent use.
package bulkinsert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// flush 状态标签
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusFail     = "fail"
)

// FlushResult 一次 flush 的结果
type FlushResult struct {
	ID           uuid.UUID
	Rows         int
	Bytes        int
	AffectedRows int64
	// Committed 为 false 且 error 为 nil 表示语句执行了但未影响任何行，已回滚
	Committed bool
	Duration  time.Duration
}

type update struct {
	column string
	expr   string
}

// BulkInserter 按包大小自动刷新的批量插入器
type BulkInserter struct {
	conn   Conn
	driver Driver

	table        string
	columns      map[string]struct{}
	columnList   []string // 表定义顺序
	conflictKeys []string
	schemaErr    error
	maxPacket    int

	keys   []string // 首次出现顺序，只增不减
	keySet map[string]struct{}
	rows   []map[string]any
	size   int

	ignore    bool
	updates   []update
	lastQuery string

	logger          *slog.Logger
	metricsReporter MetricsReporter
	history         History
}

// New 创建批量插入器。
// table 可带库名（db.table），此时先在连接上切换库，之后只使用表名。
// 列查询失败不会导致构造失败（所有行都会被过滤掉，见 SchemaError）；
// 包大小查询失败返回 ErrConfiguration。
func New(ctx context.Context, conn Conn, driver Driver, table string) (*BulkInserter, error) {
	if conn == nil || driver == nil {
		return nil, fmt.Errorf("%w: conn and driver are required", ErrInvalidArgument)
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, fmt.Errorf("%w: empty table name", ErrInvalidArgument)
	}

	b := &BulkInserter{
		conn:            conn,
		driver:          driver,
		columns:         make(map[string]struct{}),
		keySet:          make(map[string]struct{}),
		logger:          slog.Default(),
		metricsReporter: NewNoopMetricsReporter(),
	}

	if schema, name, ok := strings.Cut(table, "."); ok {
		if schema == "" || name == "" {
			return nil, fmt.Errorf("%w: malformed table name %q", ErrInvalidArgument, table)
		}
		if err := b.useSchema(ctx, schema); err != nil {
			return nil, err
		}
		table = name
	}
	b.table = table

	b.loadColumns(ctx)

	maxPacket, err := driver.LoadMaxPacket(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: max packet lookup: %w", ErrConfiguration, err)
	}
	if maxPacket <= 0 {
		return nil, fmt.Errorf("%w: invalid max packet %d", ErrConfiguration, maxPacket)
	}
	b.maxPacket = maxPacket

	return b, nil
}

// NewMySQL 使用 MySQL 方言创建批量插入器
func NewMySQL(ctx context.Context, db *sql.DB, table string) (*BulkInserter, error) {
	return New(ctx, NewSQLConn(db), DefaultMySQLDriver, table)
}

// NewSQLite 使用 SQLite 方言创建批量插入器
func NewSQLite(ctx context.Context, db *sql.DB, table string) (*BulkInserter, error) {
	return New(ctx, NewSQLConn(db), DefaultSQLiteDriver, table)
}

// NewPostgreSQL 使用 PostgreSQL 方言创建批量插入器
func NewPostgreSQL(ctx context.Context, db *sql.DB, table string) (*BulkInserter, error) {
	return New(ctx, NewSQLConn(db), DefaultPostgreSQLDriver, table)
}

func (b *BulkInserter) useSchema(ctx context.Context, schema string) error {
	stmt, err := b.driver.UseSchemaSQL(schema)
	if err == nil {
		err = b.conn.Exec(ctx, stmt)
	}
	if err != nil {
		return fmt.Errorf("%w: switch to schema %q: %w", ErrConfiguration, schema, err)
	}
	return nil
}

func (b *BulkInserter) loadColumns(ctx context.Context) {
	columns, err := b.driver.LoadColumns(ctx, b.conn, b.table)
	if err != nil {
		b.schemaErr = err
		b.logger.Warn("bulkinsert: column lookup failed, all rows will be dropped",
			"driver", b.driver.Name(), "table", b.table, "error", err)
		return
	}
	for _, col := range columns {
		if col.Name == "" {
			continue
		}
		if _, dup := b.columns[col.Name]; dup {
			continue
		}
		b.columns[col.Name] = struct{}{}
		b.columnList = append(b.columnList, col.Name)
		if col.PrimaryKey {
			b.conflictKeys = append(b.conflictKeys, col.Name)
		}
	}
}

// WithLogger 设置日志
func (b *BulkInserter) WithLogger(logger *slog.Logger) *BulkInserter {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetricsReporter 设置指标报告器
func (b *BulkInserter) WithMetricsReporter(metricsReporter MetricsReporter) *BulkInserter {
	if metricsReporter == nil {
		metricsReporter = NewNoopMetricsReporter()
	}
	b.metricsReporter = metricsReporter
	return b
}

// WithHistory 设置执行历史观察者
func (b *BulkInserter) WithHistory(history History) *BulkInserter {
	b.history = history
	return b
}

// SetIgnore 冲突时忽略（INSERT IGNORE），下一次生成语句时生效
func (b *BulkInserter) SetIgnore(ignore bool) {
	b.ignore = ignore
}

// SetUpdates 设置冲突时需要更新的列，覆盖之前的设置。
// 不在表中的列被忽略；不传参数则清除 upsert。
func (b *BulkInserter) SetUpdates(columns ...string) {
	updates := make([]update, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		if _, ok := b.columns[col]; !ok {
			continue
		}
		if _, dup := seen[col]; dup {
			continue
		}
		seen[col] = struct{}{}
		updates = append(updates, update{column: col, expr: b.driver.UpdateExpr(col)})
	}
	b.updates = updates
}

// Stage 暂存一行。
// 只保留表中存在且值为标量的字段，返回被丢弃的字段数。
// 若加入本行会超过包大小上限，先 flush 已缓冲的行；
// 该 flush 的驱动错误会返回，且本行不会被暂存。
func (b *BulkInserter) Stage(ctx context.Context, row map[string]any) (int, error) {
	filtered := make(map[string]any, len(row))
	dropped := 0
	for key, value := range row {
		if _, ok := b.columns[key]; !ok {
			dropped++
			continue
		}
		v, ok := scalarValue(value)
		if !ok {
			dropped++
			continue
		}
		filtered[key] = v
	}
	if dropped > 0 {
		b.metricsReporter.IncDropped(b.table, dropped)
	}
	if len(filtered) == 0 {
		return dropped, nil
	}

	newKeys := b.newKeys(filtered)
	size := rowSize(filtered)

	if len(b.rows) > 0 && (b.size+size > b.maxPacket || b.exceedsParams(len(newKeys))) {
		if _, err := b.Flush(ctx); err != nil {
			return dropped, err
		}
	}

	for _, key := range newKeys {
		b.keySet[key] = struct{}{}
	}
	b.keys = append(b.keys, newKeys...)
	b.rows = append(b.rows, filtered)
	b.size += size
	b.metricsReporter.SetBuffered(b.table, len(b.rows))

	return dropped, nil
}

// newKeys 本行中尚未出现过的列，按表定义顺序
func (b *BulkInserter) newKeys(row map[string]any) []string {
	var keys []string
	for _, col := range b.columnList {
		if _, ok := row[col]; !ok {
			continue
		}
		if _, seen := b.keySet[col]; seen {
			continue
		}
		keys = append(keys, col)
	}
	return keys
}

func (b *BulkInserter) exceedsParams(newKeys int) bool {
	limit := b.driver.MaxParams()
	if limit <= 0 {
		return false
	}
	return (len(b.rows)+1)*(len(b.keys)+newKeys) > limit
}

// Flush 将缓冲的行作为一条多行 INSERT 在事务中执行。
// 缓冲为空时不做任何事。成功后清空缓冲并将估算大小归零，KeyOrder 保留。
// 语句未影响任何行时回滚并返回 Committed=false、nil error；
// 驱动错误时回滚并返回 *FlushError。两种失败都保持缓冲不变。
func (b *BulkInserter) Flush(ctx context.Context) (FlushResult, error) {
	if len(b.rows) == 0 {
		return FlushResult{}, nil
	}

	start := time.Now()
	result := FlushResult{
		ID:    uuid.New(),
		Rows:  len(b.rows),
		Bytes: b.size,
	}

	query, err := b.driver.GenerateInsertSQL(InsertStatement{
		Table:        b.table,
		Columns:      b.keys,
		Rows:         len(b.rows),
		Ignore:       b.ignore,
		Updates:      b.updateExprs(),
		ConflictKeys: b.conflictKeys,
	})
	if err != nil {
		return b.failed(ctx, result, start, "generate", "", nil, err)
	}
	b.lastQuery = query

	args := b.bindArgs()
	affected, committed, op, err := b.execute(ctx, query, args)
	if err != nil {
		return b.failed(ctx, result, start, op, query, args, err)
	}

	result.AffectedRows = affected
	result.Committed = committed
	result.Duration = time.Since(start)

	if !committed {
		b.logger.Warn("bulkinsert: flush affected no rows, rolled back",
			"flush_id", result.ID, "table", b.table, "rows", result.Rows)
		b.report(ctx, result, StatusRejected, query, args, nil)
		return result, nil
	}

	b.rows = nil
	b.size = 0

	b.logger.Debug("bulkinsert: flushed",
		"flush_id", result.ID, "table", b.table, "rows", result.Rows,
		"bytes", result.Bytes, "affected", affected, "duration", result.Duration)
	b.metricsReporter.ObserveBatchSize(b.table, result.Rows)
	b.metricsReporter.ObserveBatchBytes(b.table, result.Bytes)
	b.report(ctx, result, StatusSuccess, query, args, nil)
	return result, nil
}

// execute 在单个事务中 prepare + exec + commit；除显式提交/回滚外的所有路径都会回滚
func (b *BulkInserter) execute(ctx context.Context, query string, args []any) (affected int64, committed bool, op string, err error) {
	tx, err := b.conn.Begin(ctx)
	if err != nil {
		return 0, false, "begin", err
	}
	finished := false
	defer func() {
		if !finished {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(ctx, query)
	if err != nil {
		finished = true
		return 0, false, "prepare", rollback(tx, err)
	}
	defer stmt.Close()

	res, err := stmt.Exec(ctx, args...)
	if err != nil {
		finished = true
		return 0, false, "exec", rollback(tx, err)
	}

	affected, known := rowsAffected(res)
	if known && affected == 0 && !b.ignore && len(b.updates) == 0 {
		finished = true
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return 0, false, "rollback", err
		}
		return 0, false, "", nil
	}

	finished = true
	if err := tx.Commit(); err != nil {
		return affected, false, "commit", rollback(tx, err)
	}
	return affected, true, "", nil
}

func rollback(tx Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

func rowsAffected(res sql.Result) (int64, bool) {
	if res == nil {
		return 0, false
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (b *BulkInserter) failed(ctx context.Context, result FlushResult, start time.Time, op, query string, args []any, err error) (FlushResult, error) {
	result.Duration = time.Since(start)
	flushErr := &FlushError{Table: b.table, Rows: result.Rows, Op: op, Err: err}
	b.logger.Error("bulkinsert: flush failed, rolled back",
		"flush_id", result.ID, "table", b.table, "rows", result.Rows, "op", op, "error", err)
	b.metricsReporter.IncError(b.table, op)
	b.report(ctx, result, StatusFail, query, args, err)
	return result, flushErr
}

func (b *BulkInserter) report(ctx context.Context, result FlushResult, status, query string, args []any, err error) {
	b.metricsReporter.ObserveFlushDuration(b.table, result.Rows, result.Duration, status)
	b.metricsReporter.SetBuffered(b.table, len(b.rows))
	if b.history == nil {
		return
	}
	entry := HistoryEntry{
		ID:        result.ID,
		Table:     b.table,
		Query:     query,
		Args:      args,
		Rows:      result.Rows,
		Affected:  result.AffectedRows,
		Status:    status,
		Duration:  result.Duration,
		Timestamp: time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	b.history.Record(ctx, entry)
}

// bindArgs 按行展开参数，缺失的列为 NULL
func (b *BulkInserter) bindArgs() []any {
	args := make([]any, 0, len(b.rows)*len(b.keys))
	for _, row := range b.rows {
		for _, key := range b.keys {
			args = append(args, row[key])
		}
	}
	return args
}

func (b *BulkInserter) updateExprs() []string {
	if len(b.updates) == 0 {
		return nil
	}
	exprs := make([]string, len(b.updates))
	for i, u := range b.updates {
		exprs[i] = u.expr
	}
	return exprs
}

// Table 目标表名（不含库名）
func (b *BulkInserter) Table() string { return b.table }

// Driver 使用的方言
func (b *BulkInserter) Driver() Driver { return b.driver }

// Columns 表中的列，按表定义顺序
func (b *BulkInserter) Columns() []string {
	out := make([]string, len(b.columnList))
	copy(out, b.columnList)
	return out
}

// HasColumn 检查表中是否包含指定列
func (b *BulkInserter) HasColumn(column string) bool {
	_, ok := b.columns[column]
	return ok
}

// Keys 已出现过的列，即生成语句的列顺序
func (b *BulkInserter) Keys() []string {
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// Updates upsert 时更新的列
func (b *BulkInserter) Updates() []string {
	out := make([]string, len(b.updates))
	for i, u := range b.updates {
		out[i] = u.column
	}
	return out
}

// Ignore 是否使用 INSERT IGNORE
func (b *BulkInserter) Ignore() bool { return b.ignore }

// Buffered 当前缓冲行数
func (b *BulkInserter) Buffered() int { return len(b.rows) }

// Size 当前缓冲的估算字节数
func (b *BulkInserter) Size() int { return b.size }

// MaxPacket 包大小上限
func (b *BulkInserter) MaxPacket() int { return b.maxPacket }

// LastQuery 最近一次生成的 SQL，仅用于诊断
func (b *BulkInserter) LastQuery() string { return b.lastQuery }

// SchemaError 构造时列查询的错误；nil 表示列信息正常
func (b *BulkInserter) SchemaError() error { return b.schemaErr }
