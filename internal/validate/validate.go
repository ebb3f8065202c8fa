// Package validate checks inbound payloads against fixed shapes before they
// reach any state.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes caps a single chat message.
const MaxMessageContentBytes = 128 * 1024

// MaxBodyBytes caps any decoded request body.
const MaxBodyBytes = 4 << 20

var schema *validator.Validate

func init() {
	schema = validator.New()
	_ = schema.RegisterValidation("maxbytes", validateMaxBytes)

	// Report JSON field names instead of Go field names.
	schema.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Error is a validation failure. It always maps to 400.
type Error struct {
	Fields []string
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "invalid request"
	}
	return "invalid request: " + strings.Join(e.Fields, "; ")
}

// Errorf builds an Error from a single message.
func Errorf(format string, args ...any) *Error {
	return &Error{Fields: []string{fmt.Sprintf(format, args...)}}
}

// IsValidationError reports whether err is or wraps an *Error.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// Struct validates v and converts validator errors into an *Error.
func Struct(v any) error {
	err := schema.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Fields: []string{err.Error()}}
	}
	out := &Error{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), namespaceRoot(fe))
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "maxbytes":
		return fmt.Sprintf("%s exceeds %d bytes", field, MaxMessageContentBytes)
	case "url":
		return field + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// namespaceRoot is the "Struct." prefix of a field namespace.
func namespaceRoot(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i+1]
	}
	return ""
}

// Decode reads one JSON object from r into v and validates it. Malformed
// JSON and unknown shapes both come back as *Error.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return Errorf("request body is empty")
		}
		return Errorf("malformed JSON: %v", err)
	}
	return Struct(v)
}
