package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersRaw() RawSchema {
	return RawSchema{
		"status": {Rule: "string|required"},
		"total":  {Rule: "number|required|min:0"},
		"email":  {Rule: "string|email"},
		"token":  {Rule: "secret"},
		"tags":   {Rule: "array", Items: &RawField{Rule: "string|minlength:2"}},
		"address": {
			Rule: "object",
			SubSchema: RawSchema{
				"city": {Rule: "string|required"},
				"zip":  {Rule: "string|minlength:5|maxlength:5"},
			},
		},
	}
}

func TestCompileOrdersFieldsDeterministicOrder(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"address", "email", "status", "tags", "token", "total"}, names)
}

func TestCompileRejectsMissingTypeMarker(t *testing.T) {
	_, err := Compile(RawSchema{"x": {Rule: "required"}}, "v0")
	assert.Error(t, err)
}

func TestCompileRejectsObjectWithoutSubSchema(t *testing.T) {
	_, err := Compile(RawSchema{"x": {Rule: "object"}}, "v0")
	assert.Error(t, err)
}

func TestCompileRejectsArrayWithoutItems(t *testing.T) {
	_, err := Compile(RawSchema{"x": {Rule: "array"}}, "v0")
	assert.Error(t, err)
}

func TestValidateRequiredFieldMissing(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{"total": float64(5)})
	require.NotEmpty(t, errs)
	assert.Equal(t, "status", errs[0].Field)
}

func TestValidateNumberBounds(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{"status": "ok", "total": float64(-1)})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "below min")
}

func TestValidateEmailFormat(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{"status": "ok", "total": float64(1), "email": "not-an-email"})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "email")
}

func TestValidateDateRejectsNonISO8601String(t *testing.T) {
	raw := RawSchema{"shippedAt": {Rule: "date"}}
	s, err := Compile(raw, "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{"shippedAt": "not-a-date"})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "ISO-8601")

	assert.Empty(t, s.Validate(map[string]any{"shippedAt": "2024-03-01T12:00:00Z"}))
}

func TestValidateNestedObjectFieldsPrefixed(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{
		"status":  "ok",
		"total":   float64(1),
		"address": map[string]any{"zip": "123"},
	})
	var found bool
	for _, e := range errs {
		if e.Field == "address.city" {
			found = true
		}
	}
	assert.True(t, found, "expected a nested error prefixed with the parent field name")
}

func TestValidateArrayItemsIndexed(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	errs := s.Validate(map[string]any{
		"status": "ok",
		"total":  float64(1),
		"tags":   []any{"ok", "x"},
	})
	require.NotEmpty(t, errs)
	assert.Equal(t, "tags[1]", errs[0].Field)
}

func TestCoerceAppliesDefaultsAndNumericStrings(t *testing.T) {
	raw := RawSchema{
		"status": {Rule: "string|default:pending"},
		"total":  {Rule: "number|required"},
	}
	s, err := Compile(raw, "v0")
	require.NoError(t, err)

	out := s.Coerce(map[string]any{"total": "42"})
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, float64(42), out["total"])
}

func TestCoerceDoesNotMutateInput(t *testing.T) {
	s, err := Compile(RawSchema{"status": {Rule: "string|default:pending"}}, "v0")
	require.NoError(t, err)

	in := map[string]any{}
	_ = s.Coerce(in)
	_, present := in["status"]
	assert.False(t, present)
}

func TestDiffDetectsAddedRemovedRetyped(t *testing.T) {
	v0, err := Compile(RawSchema{
		"status": {Rule: "string|required"},
		"total":  {Rule: "number"},
	}, "v0")
	require.NoError(t, err)

	v1, err := Compile(RawSchema{
		"status": {Rule: "number"},
		"tags":   {Rule: "array", Items: &RawField{Rule: "string"}},
	}, "v1")
	require.NoError(t, err)

	d := v1.Diff(v0)
	assert.Equal(t, []string{"tags"}, d.Added)
	assert.Equal(t, []string{"total"}, d.Removed)
	assert.Equal(t, []string{"status"}, d.Retyped)
}

func TestFieldByName(t *testing.T) {
	s, err := Compile(ordersRaw(), "v0")
	require.NoError(t, err)

	f, ok := s.FieldByName("token")
	require.True(t, ok)
	assert.True(t, f.Secret)

	_, ok = s.FieldByName("nope")
	assert.False(t, ok)
}
