package alembic

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Bind decodes the JSON body of req into v and checks its `validate` tags.
// Every failure is a *ValidationError.
func Bind(req *Request, v any) error {
	if len(req.Body) == 0 {
		return &ValidationError{Message: "missing request body"}
	}

	if err := json.Unmarshal(req.Body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &ValidationError{Field: typeErr.Field, Expected: typeErr.Type.String()}
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return &ValidationError{Message: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
		}
		return &ValidationError{Message: err.Error()}
	}

	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Not a struct; nothing to validate.
			return nil
		}
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			fe := fields[0]
			// Namespace is "Type.field.sub"; drop the type name.
			field := fe.Namespace()
			if i := strings.IndexByte(field, '.'); i >= 0 {
				field = field[i+1:]
			}
			if fe.Tag() == "required" {
				return &ValidationError{Field: field}
			}
			return &ValidationError{Field: field, Message: fmt.Sprintf("field %q failed %q validation", field, fe.Tag())}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// DecodeBody decodes the JSON body of req into a new T.
func DecodeBody[T any](req *Request) (T, error) {
	var v T
	err := Bind(req, &v)
	return v, err
}
