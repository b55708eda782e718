// internal/utils/validator.go
package utils

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

var chainAddressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

func init() {
	validate = validator.New()
	validate.RegisterValidation("chain_address", validateChainAddress)
	validate.RegisterValidation("amount", validateAmount)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func validateChainAddress(fl validator.FieldLevel) bool {
	return chainAddressPattern.MatchString(fl.Field().String())
}

// Amounts travel as strings so precision survives JSON; they must parse as a
// positive decimal.
func validateAmount(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return d.IsPositive()
}

type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return nil
	}

	out := make([]ValidationError, 0, len(fieldErrors))
	for _, e := range fieldErrors {
		out = append(out, ValidationError{
			Field:   strings.ToLower(e.Field()),
			Tag:     e.Tag(),
			Message: getValidationMessage(e),
		})
	}
	return out
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "url":
		return "Invalid URL format"
	case "email":
		return "Invalid email format"
	case "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "chain_address":
		return e.Field() + " must be a 0x-prefixed hex address"
	case "amount":
		return e.Field() + " must be a positive decimal amount"
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	default:
		return e.Field() + " is invalid"
	}
}
