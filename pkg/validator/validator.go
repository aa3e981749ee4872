// Package validator checks API request payloads against the validate
// tags on their DTOs and renders failures as messages fit for the
// response envelope.
package validator

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// Describe renders the failure for the errors list of an API envelope.
// Messages cover the constraint vocabulary the request DTOs use; tags
// without a dedicated message fall back to naming the violated rule.
func (v ValidationError) Describe() string {
	switch v.Tag {
	case "required":
		return v.Field + " is required"
	case "email":
		return v.Field + " must be a valid email address"
	case "min":
		return v.Field + " must be at least " + v.Param + " characters"
	case "max":
		return v.Field + " must be at most " + v.Param + " characters"
	case "len":
		return v.Field + " must be exactly " + v.Param + " characters"
	case "numeric":
		return v.Field + " must contain only digits"
	}
	if v.Param != "" {
		return v.Field + " failed on " + v.Tag + "=" + v.Param
	}
	return v.Field + " failed on " + v.Tag
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}

	parts := make([]string, len(v))
	for i, err := range v {
		parts[i] = err.Describe()
	}
	return strings.Join(parts, "; ")
}

// ValidateStruct validates a struct using its validate tags. Failures
// come back as ValidationErrors keyed by the fields' JSON names, so the
// messages match what the client actually sent.
func ValidateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	if ve, ok := err.(validator.ValidationErrors); ok {
		failures := make(ValidationErrors, 0, len(ve))
		for _, fe := range ve {
			failures = append(failures, ValidationError{
				Field: fe.Field(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
			})
		}
		return failures
	}

	return err
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// jsonFieldName resolves the reported field name from the json tag so
// validation messages refer to wire names, not Go identifiers.
func jsonFieldName(fld reflect.StructField) string {
	name := fld.Tag.Get("json")
	if comma := strings.Index(name, ","); comma != -1 {
		name = name[:comma]
	}
	if name == "" || name == "-" {
		return fld.Name
	}
	return name
}
