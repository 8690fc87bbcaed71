package bulkinsert

import (
	"bytes"
	"database/sql/driver"
	"math"
	"reflect"
	"strconv"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// scalarValue 将值归一化为可直接绑定的标量。
// 返回 false 表示该值应被丢弃（nil、切片、map、结构体等）。
func scalarValue(v any) (any, bool) {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, false
	}

	switch t := v.(type) {
	case nil:
		return nil, false
	case string, bool, int64, float64, time.Time:
		return t, true
	case []byte:
		return bytes.Clone(t), true
	case driver.Valuer:
		dv, err := t.Value()
		if err != nil || dv == nil {
			return nil, false
		}
		if _, nested := dv.(driver.Valuer); nested {
			return nil, false
		}
		return scalarValue(dv)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		// database/sql 拒绝最高位为 1 的 uint64，按十进制字符串绑定
		if u > math.MaxInt64 {
			return strconv.FormatUint(u, 10), true
		}
		return u, true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(rv.Bytes()), true
		}
	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface().(time.Time), true
		}
		if rv.CanInterface() {
			if valuer, ok := rv.Interface().(driver.Valuer); ok {
				return scalarValue(valuer)
			}
		}
	}
	return nil, false
}

// valueLength 值的字符串形式长度
func valueLength(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case int64:
		return len(strconv.FormatInt(t, 10))
	case uint64:
		return len(strconv.FormatUint(t, 10))
	case float64:
		return len(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		return len(time.DateTime)
	default:
		return 0
	}
}

// rowSize 行的估算字节数：拼接后的十六进制长度
func rowSize(row map[string]any) int {
	n := 0
	for _, v := range row {
		n += valueLength(v)
	}
	return 2 * n
}
