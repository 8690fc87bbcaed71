package bulkinsert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// Column 表的一列
type Column struct {
	Name       string
	PrimaryKey bool
}

// InsertStatement 生成一条多行 INSERT 所需的全部信息
type InsertStatement struct {
	Table        string
	Columns      []string // 即 KeyOrder
	Rows         int
	Ignore       bool
	Updates      []string // 已由 UpdateExpr 生成的更新表达式，按记录顺序
	ConflictKeys []string // 主键列，部分方言的 upsert 需要
}

// Driver 数据库特定的 SQL 方言与元数据查询
type Driver interface {
	Name() string

	// QuoteIdent 引用标识符
	QuoteIdent(name string) string

	// UseSchemaSQL 切换默认库的语句；不支持时返回 ErrSchemaSwitchUnsupported
	UseSchemaSQL(schema string) (string, error)

	// LoadColumns 按表定义顺序返回列
	LoadColumns(ctx context.Context, conn Conn, table string) ([]Column, error)

	// LoadMaxPacket 单条语句允许的最大字节数
	LoadMaxPacket(ctx context.Context, conn Conn) (int, error)

	// MaxParams 单条语句允许绑定的最大参数个数
	MaxParams() int

	// UpdateExpr 冲突时取新行值的更新表达式
	UpdateExpr(column string) string

	GenerateInsertSQL(stmt InsertStatement) (string, error)
}

// DriverByName 根据 database/sql 驱动名返回方言
func DriverByName(name string) (Driver, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return DefaultMySQLDriver, nil
	case "sqlite", "sqlite3":
		return DefaultSQLiteDriver, nil
	case "postgres", "postgresql", "pgx":
		return DefaultPostgreSQLDriver, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidArgument, name)
	}
}

// placeholderCacheRows 超过该行数的占位符串每次重新生成，不进缓存
const placeholderCacheRows = 16

// placeholderCache 缓存 (colCount, rows) -> 占位符串，只收 rows <= placeholderCacheRows
type placeholderCache struct {
	m sync.Map // key: (colCount<<32)|rows  value: string
}

func (c *placeholderCache) get(columnCount, rows int, build func(columnCount, rows int) string) string {
	if columnCount <= 0 || rows <= 0 {
		return ""
	}
	if rows > placeholderCacheRows {
		return build(columnCount, rows)
	}
	key := (uint64(columnCount) << 32) | uint64(rows)
	if v, ok := c.m.Load(key); ok {
		return v.(string)
	}
	out := build(columnCount, rows)
	c.m.Store(key, out)
	return out
}

func (c *placeholderCache) len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func questionPlaceholders(columnCount, rows int) string {
	singleRow := "(" + strings.Repeat("?,", columnCount-1) + "?)"
	all := make([]string, rows)
	for i := range all {
		all[i] = singleRow
	}
	return strings.Join(all, ",\n")
}

func validateStatement(stmt InsertStatement) error {
	if stmt.Rows <= 0 || len(stmt.Columns) == 0 {
		return ErrEmptyBatch
	}
	if stmt.Table == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidArgument)
	}
	return nil
}

func (s InsertStatement) quotedColumns(quote func(string) string) string {
	quoted := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		quoted[i] = quote(col)
	}
	return strings.Join(quoted, ",")
}

// stringValue 元数据查询结果转字符串
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

var DefaultMySQLDriver = NewMySQLDriver()

// MySQLDriver MySQL 方言
type MySQLDriver struct {
	placeholders placeholderCache
}

func NewMySQLDriver() *MySQLDriver {
	return &MySQLDriver{}
}

func (d *MySQLDriver) Name() string { return "mysql" }

func (d *MySQLDriver) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *MySQLDriver) UseSchemaSQL(schema string) (string, error) {
	return "USE " + d.QuoteIdent(schema), nil
}

func (d *MySQLDriver) LoadColumns(ctx context.Context, conn Conn, table string) ([]Column, error) {
	rows, err := conn.Query(ctx, "SHOW FULL COLUMNS FROM "+d.QuoteIdent(table)+";")
	if err != nil {
		return nil, err
	}
	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		name := stringValue(row["Field"])
		if name == "" {
			continue
		}
		columns = append(columns, Column{
			Name:       name,
			PrimaryKey: stringValue(row["Key"]) == "PRI",
		})
	}
	return columns, nil
}

func (d *MySQLDriver) LoadMaxPacket(ctx context.Context, conn Conn) (int, error) {
	rows, err := conn.Query(ctx, "SHOW VARIABLES LIKE 'max_allowed_packet';")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, errors.New("max_allowed_packet not reported")
	}
	value := stringValue(rows[0]["Value"])
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse max_allowed_packet %q: %w", value, err)
	}
	return n, nil
}

// MaxParams 预编译语句占位符上限
func (d *MySQLDriver) MaxParams() int { return 65535 }

func (d *MySQLDriver) UpdateExpr(column string) string {
	q := d.QuoteIdent(column)
	return q + "=VALUES(" + q + ")"
}

// GenerateInsertSQL 生成MySQL批量插入SQL
func (d *MySQLDriver) GenerateInsertSQL(stmt InsertStatement) (string, error) {
	if err := validateStatement(stmt); err != nil {
		return "", err
	}

	verb := "INSERT INTO"
	if stmt.Ignore {
		verb = "INSERT IGNORE INTO"
	}

	var sb strings.Builder
	sb.WriteString(verb + " " + d.QuoteIdent(stmt.Table) + "\n")
	sb.WriteString("(" + stmt.quotedColumns(d.QuoteIdent) + ")\n")
	sb.WriteString("VALUES " + d.placeholders.get(len(stmt.Columns), stmt.Rows, questionPlaceholders) + "\n")
	if len(stmt.Updates) > 0 {
		sb.WriteString("ON DUPLICATE KEY UPDATE\n" + strings.Join(stmt.Updates, ",\n") + "\n")
	}
	return strings.TrimSpace(sb.String()) + ";", nil
}

// DefaultSQLiteMaxPacket SQLITE_MAX_SQL_LENGTH 默认值
const DefaultSQLiteMaxPacket = 1000000

var DefaultSQLiteDriver = NewSQLiteDriver()

// SQLiteDriver SQLite 方言
type SQLiteDriver struct {
	placeholders placeholderCache
}

func NewSQLiteDriver() *SQLiteDriver {
	return &SQLiteDriver{}
}

func (d *SQLiteDriver) Name() string { return "sqlite3" }

func (d *SQLiteDriver) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// UseSchemaSQL SQLite 没有 USE，附加库只能通过限定名访问
func (d *SQLiteDriver) UseSchemaSQL(schema string) (string, error) {
	return "", fmt.Errorf("%w: sqlite3 (schema %q)", ErrSchemaSwitchUnsupported, schema)
}

func (d *SQLiteDriver) LoadColumns(ctx context.Context, conn Conn, table string) ([]Column, error) {
	rows, err := conn.Query(ctx, "PRAGMA table_info("+d.QuoteIdent(table)+");")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		columns = append(columns, Column{
			Name:       stringValue(row["name"]),
			PrimaryKey: stringValue(row["pk"]) != "0" && stringValue(row["pk"]) != "",
		})
	}
	return columns, nil
}

func (d *SQLiteDriver) LoadMaxPacket(context.Context, Conn) (int, error) {
	return DefaultSQLiteMaxPacket, nil
}

// MaxParams SQLITE_MAX_VARIABLE_NUMBER（3.32.0 起默认值）
func (d *SQLiteDriver) MaxParams() int { return 32766 }

func (d *SQLiteDriver) UpdateExpr(column string) string {
	q := d.QuoteIdent(column)
	return q + "=excluded." + q
}

// GenerateInsertSQL 生成SQLite批量插入SQL
func (d *SQLiteDriver) GenerateInsertSQL(stmt InsertStatement) (string, error) {
	if err := validateStatement(stmt); err != nil {
		return "", err
	}

	verb := "INSERT INTO"
	if stmt.Ignore {
		verb = "INSERT OR IGNORE INTO"
	}

	var sb strings.Builder
	sb.WriteString(verb + " " + d.QuoteIdent(stmt.Table) + "\n")
	sb.WriteString("(" + stmt.quotedColumns(d.QuoteIdent) + ")\n")
	sb.WriteString("VALUES " + d.placeholders.get(len(stmt.Columns), stmt.Rows, questionPlaceholders) + "\n")
	if len(stmt.Updates) > 0 {
		// 无主键时省略冲突目标（SQLite 3.35+）
		target := ""
		if len(stmt.ConflictKeys) > 0 {
			keys := InsertStatement{Columns: stmt.ConflictKeys}
			target = " (" + keys.quotedColumns(d.QuoteIdent) + ")"
		}
		sb.WriteString("ON CONFLICT" + target + " DO UPDATE SET\n" + strings.Join(stmt.Updates, ",\n") + "\n")
	}
	return strings.TrimSpace(sb.String()) + ";", nil
}

// DefaultPostgreSQLMaxPacket PostgreSQL 没有包大小变量，取一个保守上限
const DefaultPostgreSQLMaxPacket = 16 << 20

var DefaultPostgreSQLDriver = NewPostgreSQLDriver()

// PostgreSQLDriver PostgreSQL 方言
type PostgreSQLDriver struct {
	placeholders placeholderCache
}

func NewPostgreSQLDriver() *PostgreSQLDriver {
	return &PostgreSQLDriver{}
}

func (d *PostgreSQLDriver) Name() string { return "postgres" }

func (d *PostgreSQLDriver) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *PostgreSQLDriver) UseSchemaSQL(schema string) (string, error) {
	return "SET search_path TO " + d.QuoteIdent(schema), nil
}

const postgresColumnsSQL = `SELECT c.column_name,
	EXISTS (
		SELECT 1
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON k.constraint_name = tc.constraint_name
			AND k.table_schema = tc.table_schema
			AND k.table_name = tc.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = c.table_schema
			AND tc.table_name = c.table_name
			AND k.column_name = c.column_name
	) AS is_primary
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

func (d *PostgreSQLDriver) LoadColumns(ctx context.Context, conn Conn, table string) ([]Column, error) {
	rows, err := conn.Query(ctx, postgresColumnsSQL, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	columns := make([]Column, 0, len(rows))
	for _, row := range rows {
		pk, _ := row["is_primary"].(bool)
		columns = append(columns, Column{
			Name:       stringValue(row["column_name"]),
			PrimaryKey: pk,
		})
	}
	return columns, nil
}

func (d *PostgreSQLDriver) LoadMaxPacket(context.Context, Conn) (int, error) {
	return DefaultPostgreSQLMaxPacket, nil
}

func (d *PostgreSQLDriver) MaxParams() int { return 65535 }

func (d *PostgreSQLDriver) UpdateExpr(column string) string {
	q := d.QuoteIdent(column)
	return q + "=EXCLUDED." + q
}

// GenerateInsertSQL 生成PostgreSQL批量插入SQL
func (d *PostgreSQLDriver) GenerateInsertSQL(stmt InsertStatement) (string, error) {
	if err := validateStatement(stmt); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + d.QuoteIdent(stmt.Table) + "\n")
	sb.WriteString("(" + stmt.quotedColumns(d.QuoteIdent) + ")\n")
	sb.WriteString("VALUES " + d.placeholders.get(len(stmt.Columns), stmt.Rows, d.numberedPlaceholders) + "\n")

	switch {
	case len(stmt.Updates) > 0:
		if len(stmt.ConflictKeys) == 0 {
			return "", fmt.Errorf("%w: table %s", ErrNoConflictTarget, stmt.Table)
		}
		keys := InsertStatement{Columns: stmt.ConflictKeys}
		sb.WriteString("ON CONFLICT (" + keys.quotedColumns(d.QuoteIdent) + ") DO UPDATE SET\n")
		sb.WriteString(strings.Join(stmt.Updates, ",\n") + "\n")
	case stmt.Ignore:
		sb.WriteString("ON CONFLICT DO NOTHING\n")
	}
	return strings.TrimSpace(sb.String()) + ";", nil
}

func (d *PostgreSQLDriver) numberedPlaceholders(columnCount, rows int) string {
	all := make([]string, rows)
	for i := 0; i < rows; i++ {
		ph := make([]string, columnCount)
		for j := 0; j < columnCount; j++ {
			ph[j] = "$" + strconv.Itoa(i*columnCount+j+1)
		}
		all[i] = "(" + strings.Join(ph, ",") + ")"
	}
	return strings.Join(all, ",\n")
}
