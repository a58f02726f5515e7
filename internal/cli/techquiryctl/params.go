package techquiryctl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// paramList collects repeated -param flags in order.
type paramList []any

func (p *paramList) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(*p))
	for i, value := range *p {
		parts[i] = fmt.Sprint(value)
	}
	return strings.Join(parts, ",")
}

func (p *paramList) Set(raw string) error {
	value, err := ParseParam(raw)
	if err != nil {
		return err
	}
	*p = append(*p, value)
	return nil
}

// ParseParam turns a command-line value into a bind parameter. A "type:"
// prefix (str, int, float, bool, time, null) forces the type; bare values
// are inferred, with anything unrecognised bound as text.
func ParseParam(raw string) (any, error) {
	if kind, value, ok := strings.Cut(raw, ":"); ok {
		switch kind {
		case "str":
			return value, nil
		case "int":
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid int param %q: %w", value, err)
			}
			return n, nil
		case "float":
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float param %q: %w", value, err)
			}
			return f, nil
		case "bool":
			b, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid bool param %q: %w", value, err)
			}
			return b, nil
		case "time":
			t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid time param %q: %w", value, err)
			}
			return t, nil
		case "null":
			return nil, nil
		}
	}

	switch raw {
	case "null", "NULL":
		return nil, nil
	case "true", "false":
		return raw == "true", nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !strings.ContainsAny(raw, "xXnN") {
		return f, nil
	}
	return raw, nil
}
