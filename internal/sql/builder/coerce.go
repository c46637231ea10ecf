package builder

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/internal/record"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Coerce converts an extracted value to the Go type the back-end expects for
// a column. Request values arrive as text; typed values pass through.
func Coerce(v any, t record.ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if list, ok := v.([]string); ok {
		v = strings.Join(list, ",")
	}
	s, isText := v.(string)
	if !isText {
		switch x := v.(type) {
		case int:
			if t == record.ColInt32 || t == record.ColInt64 {
				return int64(x), nil
			}
		case int32:
			if t == record.ColInt32 || t == record.ColInt64 {
				return int64(x), nil
			}
		}
		return v, nil
	}

	switch t {
	case record.ColInt32, record.ColInt64:
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, errors.Errorf("value %q is not an integer", s)
		}
		return n, nil
	case record.ColFloat64:
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Errorf("value %q is not a number", s)
		}
		return f, nil
	case record.ColBool:
		if s == "" {
			return nil, nil
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "t", "true", "y", "yes", "on":
			return true, nil
		case "0", "f", "false", "n", "no", "off":
			return false, nil
		}
		return nil, errors.Errorf("value %q is not a boolean", s)
	case record.ColTime:
		if s == "" {
			return nil, nil
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, errors.Errorf("value %q is not a timestamp", s)
	case record.ColBytes:
		return []byte(s), nil
	default:
		return s, nil
	}
}
