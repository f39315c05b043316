package dispatcher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// applyMappingRules maps each row's source fields onto target fields,
// applying the rule's value transform. Fields not named by any rule are
// dropped; a row missing a source field simply skips that rule.
func applyMappingRules(rules []v1.FieldMappingRule, rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		mapped := map[string]any{}
		for _, rule := range rules {
			value, ok := row[rule.SourceField]
			if !ok {
				continue
			}
			mapped[rule.TargetField] = transformValue(rule, value)
		}
		out = append(out, mapped)
	}
	return out
}

// applyColumnMappings renames columns in place order. Unmapped columns pass
// through unchanged.
func applyColumnMappings(mappings map[string]string, rows []map[string]any) []map[string]any {
	if len(mappings) == 0 {
		return rows
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		mapped := make(map[string]any, len(row))
		for col, value := range row {
			if target, ok := mappings[col]; ok {
				mapped[target] = value
			} else {
				mapped[col] = value
			}
		}
		out = append(out, mapped)
	}
	return out
}

func transformValue(rule v1.FieldMappingRule, value any) any {
	switch rule.Transform {
	case v1.TransformUppercase:
		if s, ok := value.(string); ok {
			return strings.ToUpper(s)
		}
	case v1.TransformLowercase:
		if s, ok := value.(string); ok {
			return strings.ToLower(s)
		}
	case v1.TransformStringToNumber:
		if s, ok := value.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n
			}
		}
	case v1.TransformNumberToString:
		switch n := value.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64)
		case int:
			return strconv.Itoa(n)
		case int64:
			return strconv.FormatInt(n, 10)
		}
	case v1.TransformBoolToString:
		if b, ok := value.(bool); ok {
			return strconv.FormatBool(b)
		}
	case v1.TransformJSONStringify:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
	case v1.TransformJSONParse:
		if s, ok := value.(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
		}
	case v1.TransformDateFormat:
		if t, ok := parseTime(value); ok {
			layout := rule.Format
			if layout == "" {
				layout = time.RFC3339
			}
			return t.Format(layout)
		}
	case v1.TransformNumberFormat:
		if n, ok := toFloat(value); ok && rule.Format != "" {
			return fmt.Sprintf(rule.Format, n)
		}
	}
	// direct, unknown transforms, and type mismatches pass through
	return value
}

func parseTime(value any) (time.Time, bool) {
	switch t := value.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
