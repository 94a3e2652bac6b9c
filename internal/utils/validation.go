package contextutils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// IsValidUUID checks if s is a canonical UUID
func IsValidUUID(s string) bool {
	return validate.Var(s, "required,uuid") == nil
}

// ValidateStruct runs `validate` tags on v and folds failures into an INVALID_INPUT error.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapError(ErrInvalidInput, err.Error())
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return NewAppError(ErrorCodeInvalidInput, SeverityWarn, "Invalid input", strings.Join(fields, "; "))
}
