// Package source 将 CSV / NDJSON 输入逐行解码为待插入的行
package source

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Source 逐行读取；读完返回 io.EOF
type Source interface {
	Next() (map[string]any, error)
	Close() error
}

// Open 打开数据源。path 为 "-" 时读取 stdin；format 为空时按扩展名判断，默认 ndjson。
func Open(fs afero.Fs, path, format, null string, stdin io.Reader) (Source, error) {
	if format == "" {
		format = DetectFormat(path)
	}

	var (
		r      io.Reader
		closer io.Closer = io.NopCloser(nil)
	)
	if path == "" || path == "-" {
		r = stdin
	} else {
		f, err := fs.Open(path)
		if err != nil {
			return nil, err
		}
		r, closer = f, f
	}

	switch format {
	case "csv":
		src, err := NewCSV(r, null)
		if err != nil {
			closer.Close()
			return nil, err
		}
		src.closer = closer
		return src, nil
	case "ndjson", "jsonl", "json":
		src := NewNDJSON(r)
		src.closer = closer
		return src, nil
	default:
		closer.Close()
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// DetectFormat 按扩展名判断格式
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	default:
		return "ndjson"
	}
}

// CSV 首行为列名，其余每行一条记录
type CSV struct {
	reader *csv.Reader
	header []string
	null   string
	line   int
	closer io.Closer
}

// NewCSV 读取表头；等于 null 的字段解码为 nil
func NewCSV(r io.Reader, null string) (*CSV, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}
	// 去掉 UTF-8 BOM
	if len(columns) > 0 {
		columns[0] = strings.TrimPrefix(columns[0], "\ufeff")
	}

	return &CSV{reader: reader, header: columns, null: null, line: 1}, nil
}

// Header 列名
func (s *CSV) Header() []string {
	return s.header
}

func (s *CSV) Next() (map[string]any, error) {
	record, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	s.line++
	if len(record) > len(s.header) {
		return nil, fmt.Errorf("csv line %d: %d fields, header has %d", s.line, len(record), len(s.header))
	}

	row := make(map[string]any, len(record))
	for i, value := range record {
		if s.null != "" && value == s.null {
			row[s.header[i]] = nil
			continue
		}
		row[s.header[i]] = value
	}
	return row, nil
}

func (s *CSV) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// NDJSON 每行一个 JSON 对象，空行跳过
type NDJSON struct {
	scanner *bufio.Scanner
	line    int
	closer  io.Closer
}

const maxLineSize = 16 << 20

func NewNDJSON(r io.Reader) *NDJSON {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &NDJSON{scanner: scanner}
}

func (s *NDJSON) Next() (map[string]any, error) {
	for s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("ndjson line %d: %w", s.line, err)
		}
		if row == nil {
			return nil, fmt.Errorf("ndjson line %d: not an object", s.line)
		}
		for key, value := range row {
			if n, ok := value.(json.Number); ok {
				row[key] = number(n)
			}
		}
		return row, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *NDJSON) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// number 整数保持精度，其余转 float64，都失败时保留原文
func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
