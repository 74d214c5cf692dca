// Package schema implements the engine's attribute schema (spec.md §4.3):
// parsing shorthand rule strings into compiled field descriptors,
// validating and coercing records against them, evolving versions, and
// diffing versions for updateAttributes.
//
// Rules are represented as a closed vocabulary (RuleKind), not a class
// hierarchy, matching spec.md §9's tagged-enum guidance; FieldType is
// likewise a small closed enum with a dispatch-by-switch validator
// instead of per-type validator objects.
package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/s3db-go/s3db/pkg/dberrors"
)

// FieldType is the closed set of base types a field can declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// RawField is the shorthand schema input a caller writes, e.g.
// {Rule: "string|required|minlength:2"}, optionally carrying a nested
// RawSchema for object fields or an item RawField for array fields.
type RawField struct {
	Rule      string
	SubSchema RawSchema
	Items     *RawField
}

// RawSchema is the shorthand schema a caller passes to createResource or
// updateAttributes: an ordered-by-name mapping of field name to its rule
// string (and optional nested structure).
type RawSchema map[string]RawField

// Field is one compiled field descriptor.
type Field struct {
	Name      string
	Type      FieldType
	Required  bool
	Default   any
	HasDefault bool
	Min       *float64
	Max       *float64
	MinLength *int
	MaxLength *int
	Email     bool
	URL       bool
	Secret    bool
	SubSchema *Schema // set when Type == TypeObject
	ItemField *Field  // set when Type == TypeArray
}

// Schema is one compiled, immutable schema version.
type Schema struct {
	Version string
	Fields  []Field
}

var emailRegexFallback = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Compile parses raw into a Schema stamped with version (e.g. "v0").
// Field order is the sorted field name order, giving deterministic
// encode/decode and manifest persistence regardless of Go's unordered
// map iteration.
func Compile(raw RawSchema, version string) (*Schema, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f, err := compileField(name, raw[name])
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return &Schema{Version: version, Fields: fields}, nil
}

func compileField(name string, raw RawField) (Field, error) {
	tokens := strings.Split(raw.Rule, "|")
	field := Field{Name: name}
	typeSeen := false

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, ":")

		switch key {
		case "required":
			field.Required = true
		case "optional":
			field.Required = false
		case "default":
			field.HasDefault = true
			field.Default = value
		case "min":
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Field{}, ruleErr(name, tok, "min requires a numeric value")
			}
			field.Min = &n
		case "max":
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Field{}, ruleErr(name, tok, "max requires a numeric value")
			}
			field.Max = &n
		case "minlength":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Field{}, ruleErr(name, tok, "minlength requires an integer value")
			}
			field.MinLength = &n
		case "maxlength":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Field{}, ruleErr(name, tok, "maxlength requires an integer value")
			}
			field.MaxLength = &n
		case "items":
			if raw.Items == nil {
				// Shorthand "array|items:<rule>" with no nested RawField.
				raw.Items = &RawField{Rule: value}
			}
		case "email":
			field.Email = true
			field.Type = TypeString
			typeSeen = true
		case "url":
			field.URL = true
			field.Type = TypeString
			typeSeen = true
		case "secret":
			field.Secret = true
			field.Type = TypeString
			typeSeen = true
		case "string":
			field.Type = TypeString
			typeSeen = true
		case "number":
			field.Type = TypeNumber
			typeSeen = true
		case "boolean":
			field.Type = TypeBoolean
			typeSeen = true
		case "date":
			field.Type = TypeDate
			typeSeen = true
		case "object":
			field.Type = TypeObject
			typeSeen = true
		case "array":
			field.Type = TypeArray
			typeSeen = true
		default:
			if hasValue {
				return Field{}, ruleErr(name, tok, "unrecognized rule")
			}
			return Field{}, ruleErr(name, tok, "unrecognized rule")
		}
	}

	if !typeSeen {
		return Field{}, ruleErr(name, raw.Rule, "field must declare exactly one type marker")
	}

	if field.Type == TypeObject {
		if raw.SubSchema == nil {
			return Field{}, ruleErr(name, raw.Rule, "object field requires a nested schema")
		}
		sub, err := Compile(raw.SubSchema, "")
		if err != nil {
			return Field{}, err
		}
		field.SubSchema = sub
	}

	if field.Type == TypeArray {
		if raw.Items == nil {
			return Field{}, ruleErr(name, raw.Rule, "array field requires an items rule")
		}
		itemField, err := compileField(name+"[]", *raw.Items)
		if err != nil {
			return Field{}, err
		}
		field.ItemField = &itemField
	}

	return field, nil
}

func ruleErr(field, rule, reason string) *dberrors.Error {
	return dberrors.New(dberrors.ValidationFailed, "invalid_schema_rule", fmt.Sprintf("field %q rule %q: %s", field, rule, reason)).
		WithContext("field", field).WithContext("rule", rule)
}

// Coerce applies defaults and type coercions (e.g. numeric strings to
// numbers) before validation, returning a new record; the input is never
// mutated.
func (s *Schema) Coerce(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	for _, f := range s.Fields {
		v, present := out[f.Name]
		if !present {
			if f.HasDefault {
				out[f.Name] = coerceDefaultLiteral(f, f.Default)
			}
			continue
		}
		out[f.Name] = coerceValue(f, v)
	}
	return out
}

func coerceDefaultLiteral(f Field, raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	return coerceValue(f, s)
}

func coerceValue(f Field, v any) any {
	switch f.Type {
	case TypeNumber:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				return n
			}
		}
		return v
	case TypeBoolean:
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
		return v
	case TypeObject:
		if f.SubSchema != nil {
			if m, ok := v.(map[string]any); ok {
				return f.SubSchema.Coerce(m)
			}
		}
		return v
	case TypeArray:
		if f.ItemField != nil {
			if items, ok := v.([]any); ok {
				coerced := make([]any, len(items))
				for i, item := range items {
					coerced[i] = coerceValue(*f.ItemField, item)
				}
				return coerced
			}
		}
		return v
	default:
		return v
	}
}

// Validate checks record against every field's rule set, returning
// every violation (not just the first).
func (s *Schema) Validate(record map[string]any) []dberrors.FieldError {
	var errs []dberrors.FieldError
	for _, f := range s.Fields {
		v, present := record[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "required field is missing", Expected: "present", Actual: "absent"})
			}
			continue
		}
		errs = append(errs, validateField(f, v)...)
	}
	return errs
}

func validateField(f Field, v any) []dberrors.FieldError {
	var errs []dberrors.FieldError

	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return []dberrors.FieldError{{Field: f.Name, Message: "expected a string", Expected: "string", Actual: typeName(v)}}
		}
		if f.MinLength != nil && len(s) < *f.MinLength {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "string shorter than minlength", Expected: fmt.Sprintf(">=%d", *f.MinLength), Actual: strconv.Itoa(len(s))})
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "string longer than maxlength", Expected: fmt.Sprintf("<=%d", *f.MaxLength), Actual: strconv.Itoa(len(s))})
		}
		if f.Email && !isValidEmail(s) {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "not a valid email address", Expected: "email", Actual: s})
		}
		if f.URL && !isValidURL(s) {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "not a valid URL", Expected: "url", Actual: s})
		}
	case TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return []dberrors.FieldError{{Field: f.Name, Message: "expected a number", Expected: "number", Actual: typeName(v)}}
		}
		if f.Min != nil && n < *f.Min {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "number below min", Expected: fmt.Sprintf(">=%v", *f.Min), Actual: fmt.Sprintf("%v", n)})
		}
		if f.Max != nil && n > *f.Max {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "number above max", Expected: fmt.Sprintf("<=%v", *f.Max), Actual: fmt.Sprintf("%v", n)})
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "expected a boolean", Expected: "boolean", Actual: typeName(v)})
		}
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "expected an ISO-8601 date", Expected: "date", Actual: typeName(v)})
			break
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			errs = append(errs, dberrors.FieldError{Field: f.Name, Message: "not a valid ISO-8601 date", Expected: "RFC3339", Actual: s})
		}
	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return []dberrors.FieldError{{Field: f.Name, Message: "expected an object", Expected: "object", Actual: typeName(v)}}
		}
		if f.SubSchema != nil {
			for _, sub := range f.SubSchema.Validate(m) {
				sub.Field = f.Name + "." + sub.Field
				errs = append(errs, sub)
			}
		}
	case TypeArray:
		items, ok := v.([]any)
		if !ok {
			return []dberrors.FieldError{{Field: f.Name, Message: "expected an array", Expected: "array", Actual: typeName(v)}}
		}
		if f.ItemField != nil {
			for i, item := range items {
				for _, sub := range validateField(*f.ItemField, item) {
					sub.Field = fmt.Sprintf("%s[%d]", f.Name, i)
					errs = append(errs, sub)
				}
			}
		}
	}
	return errs
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func isValidEmail(s string) bool {
	if _, err := mail.ParseAddress(s); err == nil {
		return true
	}
	return emailRegexFallback.MatchString(s)
}

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Diff reports the field-name differences between s and previous, used
// by updateAttributes to describe an evolution.
type Diff struct {
	Added   []string
	Removed []string
	Retyped []string
}

// Diff computes how s differs from previous.
func (s *Schema) Diff(previous *Schema) Diff {
	prevFields := make(map[string]Field, len(previous.Fields))
	for _, f := range previous.Fields {
		prevFields[f.Name] = f
	}
	curFields := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		curFields[f.Name] = f
	}

	var d Diff
	for name, f := range curFields {
		prev, existed := prevFields[name]
		if !existed {
			d.Added = append(d.Added, name)
			continue
		}
		if prev.Type != f.Type {
			d.Retyped = append(d.Retyped, name)
		}
	}
	for name := range prevFields {
		if _, still := curFields[name]; !still {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Retyped)
	return d
}

// FieldByName returns the field descriptor for name, if declared.
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
