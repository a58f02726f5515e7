package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

type Format string

const (
	FormatTable   Format = "table"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSONL, "json":
		return FormatJSONL, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported output format: %q", raw)
	}
}

// Write drains stream into w and returns the number of rows written. The
// stream is consumed but not closed.
func Write(w io.Writer, format Format, stream *sqlrunner.RowStream) (int, error) {
	if stream == nil {
		return 0, fmt.Errorf("row stream is required")
	}
	switch format {
	case FormatTable:
		return writeTable(w, stream)
	case FormatJSONL:
		return writeJSONL(w, stream)
	case FormatParquet:
		return writeParquet(w, stream)
	default:
		return 0, fmt.Errorf("unsupported output format: %q", format)
	}
}

func writeTable(w io.Writer, stream *sqlrunner.RowStream) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	columns := stream.Columns()
	fmt.Fprintln(tw, strings.Join(columns, "\t"))

	count := 0
	cells := make([]string, len(columns))
	for row, err := range stream.All() {
		if err != nil {
			return count, err
		}
		for i, value := range row.Values() {
			cells[i] = formatCell(value)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		count++
	}
	if err := tw.Flush(); err != nil {
		return count, fmt.Errorf("flush table: %w", err)
	}
	return count, nil
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case string:
		return strings.NewReplacer("\t", `\t`, "\n", `\n`).Replace(v)
	default:
		return fmt.Sprint(v)
	}
}

// writeJSONL writes one object per row with keys in column order.
func writeJSONL(w io.Writer, stream *sqlrunner.RowStream) (int, error) {
	bw := bufio.NewWriter(w)
	columns := stream.Columns()
	keys := make([][]byte, len(columns))
	for i, column := range columns {
		encoded, err := json.Marshal(column)
		if err != nil {
			return 0, fmt.Errorf("encode column %q: %w", column, err)
		}
		keys[i] = encoded
	}

	count := 0
	for row, err := range stream.All() {
		if err != nil {
			return count, err
		}
		bw.WriteByte('{')
		for i, value := range row.Values() {
			if i > 0 {
				bw.WriteByte(',')
			}
			encoded, err := json.Marshal(jsonValue(value))
			if err != nil {
				return count, fmt.Errorf("encode column %q: %w", columns[i], err)
			}
			bw.Write(keys[i])
			bw.WriteByte(':')
			bw.Write(encoded)
		}
		bw.WriteString("}\n")
		count++
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("flush json lines: %w", err)
	}
	return count, nil
}

func jsonValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}
