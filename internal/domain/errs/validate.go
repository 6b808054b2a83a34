package errs

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func engine() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates struct tags and reports the first failing field as a validation error
func Struct(v interface{}) error {
	err := engine().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Kind: KindValidation, Message: "invalid input", Cause: err}
	}

	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return Validation(field, "%s is required", field)
	case "oneof":
		return Validation(field, "%s must be one of [%s]", field, fe.Param())
	case "max":
		return Validation(field, "%s must be at most %s", field, fe.Param())
	case "min", "gte":
		return Validation(field, "%s must be at least %s", field, fe.Param())
	default:
		return Validation(field, "%s failed %s validation", field, fe.Tag())
	}
}

// Blank reports whether s is empty after trimming whitespace
func Blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
