package executor

import (
	"math"
	"strconv"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/contract"
	"github.com/matyoung89/ComfyEndpoints/errors"
)

// coerceScalar converts a raw artifact value (as decoded from JSON) to the
// declared scalar type. Error messages are stable codes that become the
// detail of an OUTPUT_TYPE_ERROR.
func coerceScalar(t contract.FieldType, value interface{}) (interface{}, error) {
	switch string(t) {
	case "string":
		return coerceString(value)
	case "integer":
		return coerceInteger(value)
	case "number":
		return coerceNumber(value)
	case "boolean":
		return coerceBoolean(value)
	case "object":
		if m, ok := value.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, errors.New("cannot_coerce_to_object")
	case "array":
		if s, ok := value.([]interface{}); ok {
			return s, nil
		}
		return nil, errors.New("cannot_coerce_to_array")
	}
	return nil, errors.Newf("unknown_scalar_type:%s", t)
}

func coerceString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	}
	return nil, errors.New("cannot_coerce_to_string")
}

func coerceInteger(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return nil, errors.New("cannot_coerce_to_integer")
	case float64:
		// Truncation mirrors decimal conversion; NaN/Inf cannot be integers.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("cannot_coerce_to_integer")
		}
		return int64(v), nil
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, nil
		}
		return nil, errors.New("cannot_coerce_to_integer")
	}
	return nil, errors.New("cannot_coerce_to_integer")
}

func coerceNumber(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return nil, errors.New("cannot_coerce_to_number")
	case float64:
		return v, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, nil
		}
		return nil, errors.New("cannot_coerce_to_number")
	}
	return nil, errors.New("cannot_coerce_to_number")
}

var boolTrue = map[string]struct{}{"1": {}, "true": {}, "yes": {}, "on": {}}
var boolFalse = map[string]struct{}{"0": {}, "false": {}, "no": {}, "off": {}}

func coerceBoolean(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		lowered := strings.ToLower(strings.TrimSpace(v))
		if _, ok := boolTrue[lowered]; ok {
			return true, nil
		}
		if _, ok := boolFalse[lowered]; ok {
			return false, nil
		}
	}
	return nil, errors.New("cannot_coerce_to_boolean")
}
