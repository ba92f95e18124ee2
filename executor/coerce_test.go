package executor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceString(t *testing.T) {
	got, err := coerceScalar("string", "done")
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	got, err = coerceScalar("string", true)
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	// Integral floats render without a decimal point.
	got, err = coerceScalar("string", 42.0)
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	got, err = coerceScalar("string", 1.5)
	require.NoError(t, err)
	assert.Equal(t, "1.5", got)

	_, err = coerceScalar("string", []interface{}{"x"})
	assert.EqualError(t, err, "cannot_coerce_to_string")
}

func TestCoerceInteger(t *testing.T) {
	got, err := coerceScalar("integer", 7.0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	// Floats truncate toward zero.
	got, err = coerceScalar("integer", 7.9)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	got, err = coerceScalar("integer", " 12 ")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)

	for _, bad := range []interface{}{true, "7.5", "abc", math.NaN(), math.Inf(1), nil} {
		_, err = coerceScalar("integer", bad)
		assert.EqualError(t, err, "cannot_coerce_to_integer", "value %v", bad)
	}
}

func TestCoerceNumber(t *testing.T) {
	got, err := coerceScalar("number", 0.75)
	require.NoError(t, err)
	assert.Equal(t, 0.75, got)

	got, err = coerceScalar("number", "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	for _, bad := range []interface{}{false, "x", nil} {
		_, err = coerceScalar("number", bad)
		assert.EqualError(t, err, "cannot_coerce_to_number")
	}
}

func TestCoerceBoolean(t *testing.T) {
	truthy := []interface{}{true, "1", "true", "YES", " on "}
	for _, v := range truthy {
		got, err := coerceScalar("boolean", v)
		require.NoError(t, err, "value %v", v)
		assert.Equal(t, true, got)
	}
	falsy := []interface{}{false, "0", "False", "no", "OFF"}
	for _, v := range falsy {
		got, err := coerceScalar("boolean", v)
		require.NoError(t, err, "value %v", v)
		assert.Equal(t, false, got)
	}
	for _, bad := range []interface{}{"maybe", 1.0, nil} {
		_, err := coerceScalar("boolean", bad)
		assert.EqualError(t, err, "cannot_coerce_to_boolean")
	}
}

func TestCoerceObjectAndArray(t *testing.T) {
	obj := map[string]interface{}{"k": "v"}
	got, err := coerceScalar("object", obj)
	require.NoError(t, err)
	assert.Equal(t, obj, got)

	_, err = coerceScalar("object", "{}")
	assert.EqualError(t, err, "cannot_coerce_to_object")

	arr := []interface{}{1.0, 2.0}
	got, err = coerceScalar("array", arr)
	require.NoError(t, err)
	assert.Equal(t, arr, got)

	_, err = coerceScalar("array", "[]")
	assert.EqualError(t, err, "cannot_coerce_to_array")
}
