package httpserver

import (
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// maxPasswordBytes is the longest input bcrypt accepts.
const maxPasswordBytes = 72

// Validator plugs go-playground/validator into echo's Context.Validate.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("password_policy", func(fl validator.FieldLevel) bool {
		return passwordPolicy(fl.Field().String())
	})
	return &Validator{v: v}
}

func (cv *Validator) Validate(i any) error {
	return cv.v.Struct(i)
}

func (cv *Validator) Var(field any, tag string) error {
	return cv.v.Var(field, tag)
}

// passwordPolicy wants 8 to 24 characters with a lowercase letter, an uppercase
// letter, a digit and a character that is neither a word character nor space.
// It also has to fit in bcrypt's 72 bytes.
func passwordPolicy(pw string) bool {
	n := utf8.RuneCountInString(pw)
	if n < 8 || n > 24 || len(pw) > maxPasswordBytes {
		return false
	}

	var lower, upper, digit, special bool
	for _, r := range pw {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case r == '_' || isSpace(r):
		default:
			special = true
		}
	}
	return lower && upper && digit && special
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// fieldErrors turns validator output into a field -> message map.
func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		if _, seen := out[field]; seen {
			continue
		}
		out[field] = fieldMessage(field, fe)
	}
	return out
}

func fieldMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "email":
		return "invalid email format"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "password_policy":
		return "password must be 8-24 characters and contain upper and lower case letters, a digit and a special character"
	case "eqfield":
		return "passwords do not match"
	default:
		return field + " is invalid"
	}
}
