package shared

import (
	"strconv"
	"strings"
)

// ParseEntityID extracts a numeric id from the formats Planfix uses
// interchangeably: 123, "123", "task:123", "user:45", "status:3".
// Returns false when no numeric id can be recovered.
func ParseEntityID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			s = s[i+1:]
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// EntityRef formats a prefixed entity reference, e.g. EntityRef("user", 5) -> "user:5".
func EntityRef(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}
