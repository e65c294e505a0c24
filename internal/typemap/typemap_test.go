package typemap_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"db-carve/internal/typemap"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		declared string
		kind     typemap.Kind
	}{
		{"INTEGER", typemap.Integer},
		{"bigint", typemap.Integer},
		{"int unsigned", typemap.Integer},
		{"tinyint(1)", typemap.Integer},
		{"varchar(200)", typemap.Text},
		{"character varying", typemap.Text},
		{"NVARCHAR(50)", typemap.Text},
		{"uuid", typemap.Text},
		{"double precision", typemap.Real},
		{"decimal(10,2)", typemap.Real},
		{"bytea", typemap.Blob},
		{"BLOB", typemap.Blob},
		{"boolean", typemap.Boolean},
		{"bit", typemap.Boolean},
		{"datetime", typemap.Timestamp},
		{"timestamp with time zone", typemap.Timestamp},
		{"date", typemap.Date},
		{"time", typemap.Text},
	}
	for _, c := range cases {
		k, err := typemap.Resolve(c.declared)
		require.NoError(t, err, c.declared)
		assert.Equal(t, c.kind, k, c.declared)
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := typemap.Resolve("geometry")
	assert.Error(t, err)
}

func TestValidateTableUnsupported(t *testing.T) {
	_, err := typemap.ValidateTable("places", []typemap.ColumnSpec{
		{Name: "id", Declared: "integer"},
		{Name: "shape", Declared: "geometry"},
	})
	var ute *typemap.UnsupportedTypeError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "places", ute.Table)
	assert.Equal(t, "shape", ute.Column)
	assert.Equal(t, "geometry", ute.Declared)
}

func TestCoerceNullNullable(t *testing.T) {
	v, sub, err := typemap.Coerce(typemap.Integer, nil, true)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, sub)
}

func TestCoerceNullNotNullDefaults(t *testing.T) {
	cases := []struct {
		kind typemap.Kind
		want any
	}{
		{typemap.Integer, int64(0)},
		{typemap.Real, float64(0)},
		{typemap.Text, ""},
		{typemap.Boolean, false},
		{typemap.Timestamp, time.Unix(0, 0).UTC()},
	}
	for _, c := range cases {
		v, sub, err := typemap.Coerce(c.kind, nil, false)
		require.NoError(t, err, c.kind)
		assert.Equal(t, c.want, v, c.kind)
		assert.True(t, sub, "substitution must be counted for %v", c.kind)
	}

	v, sub, err := typemap.Coerce(typemap.Blob, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, v)
	assert.True(t, sub)
}

func TestCoerceEmptyString(t *testing.T) {
	// empty string on a nullable column becomes NULL and is counted
	v, sub, err := typemap.Coerce(typemap.Text, "", true)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, sub)

	// on a NOT NULL text column it stays an empty string
	v, sub, err = typemap.Coerce(typemap.Text, "", false)
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.False(t, sub)

	// an empty string in a nullable timestamp column is NULL, not an error
	v, sub, err = typemap.Coerce(typemap.Timestamp, "", true)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, sub)
}

func TestCoerceBooleanAffinity(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{true, true},
		{int64(0), false},
		{int64(1), true},
		{int64(-3), true},
		{"0", false},
		{"1", true},
		{"true", true},
		{"f", false},
	}
	for _, c := range cases {
		v, _, err := typemap.Coerce(typemap.Boolean, c.in, false)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, v, c.in)
	}
}

func TestCoerceTimestamp(t *testing.T) {
	for _, s := range []string{
		"2024-06-01 10:30:00",
		"2024-06-01 10:30:00.123456",
		"2024-06-01T10:30:00Z",
		"2024-06-01",
	} {
		v, _, err := typemap.Coerce(typemap.Timestamp, s, false)
		require.NoError(t, err, s)
		_, ok := v.(time.Time)
		assert.True(t, ok, s)
	}

	// integer-stored timestamps are Unix seconds
	v, _, err := typemap.Coerce(typemap.Timestamp, int64(1700000000), false)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), v)

	_, _, err = typemap.Coerce(typemap.Timestamp, "not-a-date", false)
	assert.Error(t, err)
}

func TestCoerceInteger(t *testing.T) {
	v, _, err := typemap.Coerce(typemap.Integer, "42", false)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, _, err = typemap.Coerce(typemap.Integer, float64(7), false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, _, err = typemap.Coerce(typemap.Integer, float64(7.5), false)
	assert.Error(t, err)
}

func TestCoerceRow(t *testing.T) {
	m, err := typemap.ValidateTable("students", []typemap.ColumnSpec{
		{Name: "id", Declared: "integer"},
		{Name: "name", Declared: "varchar(100)"},
		{Name: "email", Declared: "varchar(100)", Nullable: true},
		{Name: "enrolled_at", Declared: "datetime"},
	})
	require.NoError(t, err)

	out, subs, err := m.CoerceRow([]any{int64(1), "Ada", "", nil})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0])
	assert.Equal(t, "Ada", out[1])
	assert.Nil(t, out[2], "empty string on nullable column becomes NULL")
	assert.Equal(t, time.Unix(0, 0).UTC(), out[3])
	assert.Equal(t, 2, subs)
}

func TestCoerceRowUnmappable(t *testing.T) {
	m, err := typemap.ValidateTable("students", []typemap.ColumnSpec{
		{Name: "id", Declared: "integer"},
		{Name: "enrolled_at", Declared: "datetime"},
	})
	require.NoError(t, err)

	_, _, err = m.CoerceRow([]any{int64(1), "yesterday-ish"})
	var uve *typemap.UnmappableValueError
	require.True(t, errors.As(err, &uve))
	assert.Equal(t, "students", uve.Table)
	assert.Equal(t, "enrolled_at", uve.Column)
}

func TestCoerceRowArityMismatch(t *testing.T) {
	m, err := typemap.ValidateTable("t", []typemap.ColumnSpec{{Name: "id", Declared: "integer"}})
	require.NoError(t, err)
	_, _, err = m.CoerceRow([]any{int64(1), "extra"})
	assert.Error(t, err)
}
