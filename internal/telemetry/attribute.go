package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute converts a key and an arbitrary value into an OTel attribute.
// Unsupported types fall back to their fmt.Sprint representation.
func Attribute(k string, v any) attribute.KeyValue {
	switch typed := v.(type) {
	case string:
		return attribute.String(k, typed)
	case bool:
		return attribute.Bool(k, typed)
	case int:
		return attribute.Int(k, typed)
	case int32:
		return attribute.Int64(k, int64(typed))
	case int64:
		return attribute.Int64(k, typed)
	case uint32:
		return attribute.Int64(k, int64(typed))
	case float32:
		return attribute.Float64(k, float64(typed))
	case float64:
		return attribute.Float64(k, typed)
	case []string:
		return attribute.StringSlice(k, typed)
	case []bool:
		return attribute.BoolSlice(k, typed)
	case []int:
		return attribute.IntSlice(k, typed)
	case []int64:
		return attribute.Int64Slice(k, typed)
	case []float64:
		return attribute.Float64Slice(k, typed)
	case fmt.Stringer:
		return attribute.String(k, typed.String())
	case error:
		return attribute.String(k, typed.Error())
	case nil:
		return attribute.String(k, "")
	default:
		return attribute.String(k, fmt.Sprint(typed))
	}
}
