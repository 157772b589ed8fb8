package automation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MissingKeyError is returned when a template names a key the event does not carry.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("template key %q not present in event data", e.Key)
}

// Substitute replaces {key} placeholders with values from data. "{{" and "}}" produce
// literal braces.
func Substitute(tpl string, data map[string]any) (string, error) {
	return substitute(tpl, func(key string) (any, bool) {
		v, ok := data[key]
		return v, ok
	})
}

// CheckTemplate validates placeholder syntax without data.
func CheckTemplate(tpl string) error {
	_, err := substitute(tpl, func(string) (any, bool) { return "", true })
	return err
}

func substitute(tpl string, lookup func(string) (any, bool)) (string, error) {
	var out strings.Builder
	for i := 0; i < len(tpl); i++ {
		c := tpl[i]
		switch {
		case c == '{' && i+1 < len(tpl) && tpl[i+1] == '{':
			out.WriteByte('{')
			i++
		case c == '}' && i+1 < len(tpl) && tpl[i+1] == '}':
			out.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			key := strings.TrimSpace(tpl[i+1 : i+1+end])
			if key == "" {
				return "", fmt.Errorf("empty placeholder at offset %d", i)
			}
			v, ok := lookup(key)
			if !ok {
				return "", &MissingKeyError{Key: key}
			}
			out.WriteString(formatValue(v))
			i += end + 1
		case c == '}':
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
