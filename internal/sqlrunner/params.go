package sqlrunner

// Distribute slices params across statements by placeholder count, left to
// right. The whole script is checked at once, so a shortfall or surplus is
// reported before any statement receives its slice.
func Distribute(statements []Statement, params []any) ([][]any, error) {
	required := 0
	for _, statement := range statements {
		required += statement.Placeholders
	}
	if required != len(params) {
		return nil, &ArityError{Required: required, Supplied: len(params)}
	}

	slices := make([][]any, len(statements))
	offset := 0
	for i, statement := range statements {
		end := offset + statement.Placeholders
		slices[i] = params[offset:end:end]
		offset = end
	}
	return slices, nil
}
