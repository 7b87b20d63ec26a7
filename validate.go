package redmine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Kind is a JSON value kind a schema field may be declared as.
type Kind string

const (
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindString  Kind = "string"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Schema declares what a resource wrapper requires of an outgoing body.
type Schema struct {
	// Required fields must be present and non-null.
	Required []string

	// Types restricts present fields to one of the listed kinds,
	// e.g. "project_id": {KindInteger, KindString}.
	Types map[string][]Kind

	// NonEmpty fields, when present, must not be empty or whitespace-only.
	NonEmpty []string
}

// Validate checks body against the schema in three phases: required fields,
// declared types, then non-empty values. The first failing phase is returned
// as a *ValidationError; later phases are not evaluated.
func (s *Schema) Validate(body any) error {
	if s == nil {
		return nil
	}

	fields, err := asObject(body)
	if err != nil {
		return &ValidationError{Phase: PhaseType, FieldErrors: map[string]string{"body": err.Error()}}
	}

	if len(s.Required) > 0 {
		keys := make([]*validation.KeyRules, 0, len(s.Required))
		for _, f := range s.Required {
			keys = append(keys, validation.Key(f, validation.NotNil.Error("is required")))
		}
		if err := runPhase(PhaseRequired, fields, keys); err != nil {
			return err
		}
	}

	if len(s.Types) > 0 {
		keys := make([]*validation.KeyRules, 0, len(s.Types))
		for f, kinds := range s.Types {
			keys = append(keys, validation.Key(f, validation.By(kindRule(kinds))).Optional())
		}
		if err := runPhase(PhaseType, fields, keys); err != nil {
			return err
		}
	}

	if len(s.NonEmpty) > 0 {
		keys := make([]*validation.KeyRules, 0, len(s.NonEmpty))
		for _, f := range s.NonEmpty {
			keys = append(keys, validation.Key(f, validation.By(notBlank)).Optional())
		}
		if err := runPhase(PhaseNonEmpty, fields, keys); err != nil {
			return err
		}
	}

	return nil
}

// runPhase validates one phase and flattens ozzo errors into field reasons.
func runPhase(phase string, fields map[string]any, keys []*validation.KeyRules) error {
	err := validation.Map(keys...).AllowExtraKeys().Validate(fields)
	if err == nil {
		return nil
	}

	var errs validation.Errors
	if !errors.As(err, &errs) {
		return &ValidationError{Phase: phase, FieldErrors: map[string]string{"body": err.Error()}}
	}

	fieldErrors := make(map[string]string, len(errs))
	for field, ferr := range errs {
		reason := ferr.Error()
		if verr, ok := ferr.(validation.Error); ok && verr.Code() == validation.ErrKeyMissing.Code() {
			reason = "is required"
		}
		fieldErrors[field] = reason
	}
	return &ValidationError{Phase: phase, FieldErrors: fieldErrors}
}

// kindRule accepts a value matching any of kinds. A nil value is left to the required phase.
func kindRule(kinds []Kind) validation.RuleFunc {
	return func(value any) error {
		if value == nil {
			return nil
		}
		for _, k := range kinds {
			if isKind(value, k) {
				return nil
			}
		}
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		return fmt.Errorf("must be %s, got %s", strings.Join(names, "|"), kindOf(value))
	}
}

func notBlank(value any) error {
	switch v := value.(type) {
	case nil:
		return errors.New("cannot be empty")
	case string:
		if strings.TrimSpace(v) == "" {
			return errors.New("cannot be empty")
		}
	case []any:
		if len(v) == 0 {
			return errors.New("cannot be empty")
		}
	case map[string]any:
		if len(v) == 0 {
			return errors.New("cannot be empty")
		}
	}
	return nil
}

func isKind(value any, k Kind) bool {
	switch k {
	case KindInteger:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == math.Trunc(v) && !math.IsInf(v, 0)
		case float32:
			return float64(v) == math.Trunc(float64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case KindNumber:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
			return true
		}
		return false
	default:
		return kindOf(value) == k
	}
}

func kindOf(value any) Kind {
	switch value.(type) {
	case string:
		return KindString
	case bool:
		return KindBoolean
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	case float64, float32, json.Number:
		if isKind(value, KindInteger) {
			return KindInteger
		}
		return KindNumber
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInteger
	default:
		return Kind(fmt.Sprintf("%T", value))
	}
}

// asObject normalizes a body into a JSON object. Typed structs and maps are
// round-tripped through encoding/json so field names match the wire form.
func asObject(body any) (map[string]any, error) {
	switch v := body.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("body is not JSON-encodable: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
