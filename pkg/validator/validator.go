// ==============================================================================
// VALIDATOR PACKAGE - pkg/validator/validator.go
// ==============================================================================
package validator

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	noteFormatRe = regexp.MustCompile(`^[0-9A-Za-z.\-]{0,8}$`)
	typeNameRe   = regexp.MustCompile(`^[A-Za-z][0-9A-Za-z_]{0,29}$`)
	statusCodeRe = regexp.MustCompile(`^[ -~]{0,30}$`)
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		// Format validation errors
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// ValidateStructured returns a map of field -> error message.
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required":
					msg = "This field is required"
				case "iri":
					msg = "Must be an absolute IRI"
				case "note_format":
					msg = "Invalid transfer note format"
				case "min", "gte":
					msg = fmt.Sprintf("Must be at least %s", e.Param())
				case "max", "lte":
					msg = fmt.Sprintf("Must be at most %s", e.Param())
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsIRI reports whether s is an absolute IRI of at most 200 bytes.
func IsIRI(s string) bool {
	if s == "" || len(s) > 200 || strings.TrimSpace(s) != s {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "")
}

func (v *Validator) registerCustomValidations() {
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = v.validate.RegisterValidation("iri", func(fl validator.FieldLevel) bool {
		return IsIRI(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("note_format", func(fl validator.FieldLevel) bool {
		return noteFormatRe.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("type_name", func(fl validator.FieldLevel) bool {
		return typeNameRe.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("status_code", func(fl validator.FieldLevel) bool {
		return statusCodeRe.MatchString(fl.Field().String())
	})
}
