package common

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// FieldErrors flattens validator errors into "path" -> "rule" pairs, e.g.
// "cart[0].quantity" -> "gte=1".
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fe.Param())
		}
		out[path] = rule
	}
	return out
}

// ValidateStruct runs v against s and converts failures to a 400 AppError
// carrying the field map as details.
func ValidateStruct(v *validator.Validate, code string, s any) error {
	if v == nil {
		v = NewValidator()
	}
	if err := v.Struct(s); err != nil {
		fields := FieldErrors(err)
		if fields == nil {
			return NewAppError(code, "invalid request", http.StatusBadRequest, err)
		}
		return NewAppError(code, "validation failed", http.StatusBadRequest, err).WithDetails(fields)
	}
	return nil
}
