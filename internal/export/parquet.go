package export

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

type columnKind int

const (
	kindUnknown columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindBytes
	kindTime
	kindString
)

// writeParquet buffers the stream to infer one type per column, then writes a
// single row group. Columns whose values disagree on a type are written as
// strings. Every column is optional.
func writeParquet(w io.Writer, stream *sqlrunner.RowStream) (int, error) {
	rows, err := stream.Collect()
	if err != nil {
		return 0, err
	}

	names := uniqueNames(stream.Columns())
	kinds := make([]columnKind, len(names))
	for _, row := range rows {
		for i, value := range row.Values() {
			kinds[i] = merge(kinds[i], kindOf(value))
		}
	}

	group := parquet.Group{}
	for i, name := range names {
		group[name] = parquet.Optional(nodeFor(kinds[i]))
	}
	schema := parquet.NewSchema("row", group)

	// parquet.Group orders its fields by name; leaf index follows that order.
	leaf := make([]int, len(names))
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	position := make(map[string]int, len(sorted))
	for i, name := range sorted {
		position[name] = i
	}
	for i, name := range names {
		leaf[i] = position[name]
	}

	out := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		record := make(parquet.Row, len(names))
		for i, value := range row.Values() {
			column := leaf[i]
			if value == nil {
				record[column] = parquet.NullValue().Level(0, 0, column)
				continue
			}
			record[column] = parquet.ValueOf(convert(kinds[i], value)).Level(0, 1, column)
		}
		out = append(out, record)
	}

	writer := parquet.NewWriter(w, schema)
	if _, err := writer.WriteRows(out); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return len(out), nil
}

func uniqueNames(columns []string) []string {
	seen := make(map[string]int, len(columns))
	out := make([]string, len(columns))
	for i, column := range columns {
		name := column
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + "_" + strconv.Itoa(n)
		}
		out[i] = name
	}
	return out
}

func kindOf(value any) columnKind {
	switch value.(type) {
	case nil:
		return kindUnknown
	case int64, int32, int, int16, int8:
		return kindInt
	case float64, float32:
		return kindFloat
	case bool:
		return kindBool
	case []byte:
		return kindBytes
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func merge(current, next columnKind) columnKind {
	switch {
	case next == kindUnknown:
		return current
	case current == kindUnknown, current == next:
		return next
	case (current == kindInt && next == kindFloat) || (current == kindFloat && next == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

func nodeFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	case kindBytes:
		return parquet.Leaf(parquet.ByteArrayType)
	case kindTime:
		return parquet.Timestamp(parquet.Millisecond)
	default:
		return parquet.String()
	}
}

func convert(kind columnKind, value any) any {
	switch kind {
	case kindInt:
		switch v := value.(type) {
		case int64:
			return v
		case int32:
			return int64(v)
		case int:
			return int64(v)
		case int16:
			return int64(v)
		case int8:
			return int64(v)
		}
	case kindFloat:
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int64:
			return float64(v)
		case int32:
			return float64(v)
		case int:
			return float64(v)
		}
	case kindBool, kindBytes:
		return value
	case kindTime:
		if v, ok := value.(time.Time); ok {
			return v.UTC().UnixMilli()
		}
	}
	if s, ok := value.(string); ok {
		return s
	}
	return formatCell(value)
}
