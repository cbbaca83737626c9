package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError lists the problems found in a request. Handlers map it to
// HTTP 400.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(field string, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		e.Problems = append(e.Problems, fmt.Sprintf("%s is invalid", field))
		return
	}
	for _, fe := range verrs {
		e.Problems = append(e.Problems, formatFieldError(field, fe))
	}
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	verr := &ValidationError{}
	for _, fe := range verrs {
		verr.Problems = append(verr.Problems, formatFieldError(strings.ToLower(fe.Field()), fe))
	}
	return verr
}

func validateVar(v any, tag string) error {
	return validate.Var(v, tag)
}

func formatFieldError(field string, e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
