package sqlrunner

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
)

// Row is one result row keyed by column name. Column order is the order of
// the result set.
type Row struct {
	columns []string
	index   map[string]int
	values  []any
}

func (r Row) Columns() []string { return slices.Clone(r.columns) }

func (r Row) Values() []any { return slices.Clone(r.values) }

func (r Row) Len() int { return len(r.values) }

func (r Row) Get(column string) (any, bool) {
	i, ok := r.index[column]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Value returns the column's value, or nil when the column is absent.
func (r Row) Value(column string) any {
	value, _ := r.Get(column)
	return value
}

func (r Row) Map() map[string]any {
	out := make(map[string]any, len(r.columns))
	for i, column := range r.columns {
		if _, ok := out[column]; ok {
			continue
		}
		out[column] = r.values[i]
	}
	return out
}

// RowStream is a forward-only view over one statement's rows. It is backed by
// a live cursor until it is exhausted, closed, or buffered because its
// connection is needed by a later statement. A stream is owned by a single
// goroutine.
type RowStream struct {
	columns []string
	index   map[string]int

	rows     *sql.Rows
	buffered [][]any
	current  []any

	closers []func() error
	done    bool
	closed  bool
	err     error
}

func newRowStream(rows *sql.Rows, columns []string, closers ...func() error) *RowStream {
	index := make(map[string]int, len(columns))
	for i, column := range columns {
		if _, ok := index[column]; !ok {
			index[column] = i
		}
	}
	return &RowStream{
		columns: columns,
		index:   index,
		rows:    rows,
		closers: closers,
	}
}

func (s *RowStream) Columns() []string { return slices.Clone(s.columns) }

// Next advances to the next row. It returns false at the end of the rows, on
// error, or when the stream was closed; Err tells these apart.
func (s *RowStream) Next() bool {
	if s.closed {
		s.current = nil
		s.err = ErrStreamClosed
		return false
	}
	if s.done {
		return false
	}

	if s.rows == nil {
		if len(s.buffered) == 0 {
			s.finish(nil)
			return false
		}
		s.current, s.buffered = s.buffered[0], s.buffered[1:]
		return true
	}

	if !s.rows.Next() {
		s.finish(s.rows.Err())
		return false
	}
	values, err := s.scan()
	if err != nil {
		s.finish(err)
		return false
	}
	s.current = values
	return true
}

// Row returns the row Next advanced to.
func (s *RowStream) Row() Row {
	if s.current == nil {
		return Row{}
	}
	return Row{columns: s.columns, index: s.index, values: s.current}
}

func (s *RowStream) Err() error { return s.err }

// Close releases the cursor and everything chained to it. Iterating after
// Close fails with ErrStreamClosed.
func (s *RowStream) Close() error {
	if s.closed {
		return nil
	}
	err := s.release()
	s.closed = true
	s.done = true
	s.current = nil
	s.buffered = nil
	return err
}

// All ranges over the remaining rows. A failure is yielded once as the final
// element; breaking out of the loop closes the stream.
func (s *RowStream) All() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for s.Next() {
			if !yield(s.Row(), nil) {
				_ = s.Close()
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(Row{}, err)
		}
	}
}

// Collect drains the remaining rows.
func (s *RowStream) Collect() ([]Row, error) {
	var out []Row
	for row, err := range s.All() {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

// buffer pulls the remaining rows into memory and releases the cursor so the
// connection can serve another statement.
func (s *RowStream) buffer() error {
	if s.rows == nil || s.closed || s.done {
		return nil
	}
	for s.rows.Next() {
		values, err := s.scan()
		if err != nil {
			s.finish(err)
			return err
		}
		s.buffered = append(s.buffered, values)
	}
	if err := s.rows.Err(); err != nil {
		s.finish(err)
		return err
	}
	if err := s.release(); err != nil {
		s.err = err
		s.done = true
		return err
	}
	return nil
}

// chain adds a release step that runs after the cursor is closed.
func (s *RowStream) chain(closer func() error) {
	if s.done && s.rows == nil && len(s.closers) == 0 {
		_ = closer()
		return
	}
	s.closers = append(s.closers, closer)
}

func (s *RowStream) scan() ([]any, error) {
	values := make([]any, len(s.columns))
	targets := make([]any, len(s.columns))
	for i := range values {
		targets[i] = &values[i]
	}
	if err := s.rows.Scan(targets...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return values, nil
}

func (s *RowStream) finish(err error) {
	s.current = nil
	s.done = true
	if err != nil {
		s.err = err
	}
	if releaseErr := s.release(); releaseErr != nil && s.err == nil {
		s.err = releaseErr
	}
}

func (s *RowStream) release() error {
	var errs []error
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rows: %w", err))
		}
		s.rows = nil
	}
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
