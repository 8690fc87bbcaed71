package bulkinsert_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rushairer/bulkinsert"
)

// fakeConn 模拟 MySQL 连接：响应列查询和包大小查询，记录所有语句
type fakeConn struct {
	columns   []string
	pk        string
	maxPacket string

	columnsErr error
	packetErr  error
	execErr    error
	beginErr   error
	prepareErr error
	stmtErr    error
	stmtErrs   []error // 依次返回，耗尽后使用 stmtErr
	commitErr  error
	affected   int64
	noAffected bool // RowsAffected 返回错误

	execs     []string
	queries   []string
	prepared  []string
	boundArgs [][]any
	begins    int
	commits   int
	rollbacks int
}

func newFakeConn(columns ...string) *fakeConn {
	return &fakeConn{
		columns:   columns,
		maxPacket: "4194304",
		affected:  -1,
	}
}

func (c *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	c.execs = append(c.execs, query)
	return c.execErr
}

func (c *fakeConn) Query(_ context.Context, query string, _ ...any) ([]map[string]any, error) {
	c.queries = append(c.queries, query)
	switch {
	case strings.HasPrefix(query, "SHOW FULL COLUMNS"):
		if c.columnsErr != nil {
			return nil, c.columnsErr
		}
		rows := make([]map[string]any, 0, len(c.columns))
		for _, col := range c.columns {
			key := ""
			if col == c.pk {
				key = "PRI"
			}
			rows = append(rows, map[string]any{"Field": col, "Type": "varchar(255)", "Key": key})
		}
		return rows, nil
	case strings.HasPrefix(query, "SHOW VARIABLES"):
		if c.packetErr != nil {
			return nil, c.packetErr
		}
		return []map[string]any{{"Variable_name": "max_allowed_packet", "Value": c.maxPacket}}, nil
	case strings.Contains(query, "information_schema.columns"):
		if c.columnsErr != nil {
			return nil, c.columnsErr
		}
		rows := make([]map[string]any, 0, len(c.columns))
		for _, col := range c.columns {
			rows = append(rows, map[string]any{"column_name": col, "is_primary": col == c.pk})
		}
		return rows, nil
	}
	return nil, errors.New("unexpected query: " + query)
}

func (c *fakeConn) Begin(context.Context) (bulkinsert.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	c.begins++
	return &fakeTx{conn: c}, nil
}

type fakeTx struct {
	conn *fakeConn
	done bool
}

func (t *fakeTx) Prepare(_ context.Context, query string) (bulkinsert.Stmt, error) {
	if t.conn.prepareErr != nil {
		return nil, t.conn.prepareErr
	}
	t.conn.prepared = append(t.conn.prepared, query)
	return &fakeStmt{conn: t.conn}, nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if t.conn.commitErr != nil {
		return t.conn.commitErr
	}
	t.conn.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.conn.rollbacks++
	return nil
}

type fakeStmt struct {
	conn *fakeConn
}

func (s *fakeStmt) Exec(_ context.Context, args ...any) (sql.Result, error) {
	s.conn.boundArgs = append(s.conn.boundArgs, args)
	if len(s.conn.stmtErrs) > 0 {
		err := s.conn.stmtErrs[0]
		s.conn.stmtErrs = s.conn.stmtErrs[1:]
		return nil, err
	}
	if s.conn.stmtErr != nil {
		return nil, s.conn.stmtErr
	}
	n := s.conn.affected
	if n < 0 {
		// 默认每个元组影响一行
		n = int64(strings.Count(s.conn.prepared[len(s.conn.prepared)-1], "(?"))
	}
	return fakeResult{affected: n, err: s.conn.noAffected}, nil
}

func (s *fakeStmt) Close() error { return nil }

type fakeResult struct {
	affected int64
	err      bool
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }

func (r fakeResult) RowsAffected() (int64, error) {
	if r.err {
		return 0, errors.New("rows affected not supported")
	}
	return r.affected, nil
}

// fakeMetrics 收集指标调用
type fakeMetrics struct {
	statuses []string
	errors   []string
	dropped  int
	batches  []int
	buffered int
}

func (m *fakeMetrics) ObserveFlushDuration(_ string, _ int, _ time.Duration, status string) {
	m.statuses = append(m.statuses, status)
}
func (m *fakeMetrics) ObserveBatchSize(_ string, rows int) { m.batches = append(m.batches, rows) }
func (m *fakeMetrics) ObserveBatchBytes(string, int)       {}
func (m *fakeMetrics) IncDropped(_ string, n int)          { m.dropped += n }
func (m *fakeMetrics) IncError(_ string, kind string)      { m.errors = append(m.errors, kind) }
func (m *fakeMetrics) SetBuffered(_ string, rows int)      { m.buffered = rows }
