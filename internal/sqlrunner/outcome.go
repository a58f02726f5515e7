package sqlrunner

import "errors"

// Outcome is the result of one statement: either no result (data modification
// or DDL) or a row stream.
type Outcome struct {
	stream *RowStream
}

func NoResult() Outcome { return Outcome{} }

func RowsOutcome(stream *RowStream) Outcome { return Outcome{stream: stream} }

func (o Outcome) HasRows() bool { return o.stream != nil }

// Rows returns the statement's stream, or nil for a statement without one.
func (o Outcome) Rows() *RowStream { return o.stream }

func (o Outcome) Close() error {
	if o.stream == nil {
		return nil
	}
	return o.stream.Close()
}

// Results mirrors the statement list of a script, one outcome per statement.
type Results []Outcome

// Close releases every stream and, with them, the connection the script ran on.
func (r Results) Close() error {
	var errs []error
	for _, outcome := range r {
		if err := outcome.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r Results) Streams() int {
	n := 0
	for _, outcome := range r {
		if outcome.HasRows() {
			n++
		}
	}
	return n
}
