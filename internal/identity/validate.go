package identity

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"crportal/api/internal/apperr"
	"crportal/api/internal/rbac"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "portal_email", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "strong_password", func(fl validator.FieldLevel) bool {
		return CheckPassword(fl.Field().String()).Passed()
	})
	mustRegister(v, "password_chars", func(fl validator.FieldLevel) bool {
		checks := CheckPassword(fl.Field().String())
		return checks.Uppercase && checks.Lowercase && checks.Number
	})
	mustRegister(v, "portal_role", func(fl validator.FieldLevel) bool {
		return rbac.Valid(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

var registerMessages = map[string]string{
	"fullName.required":        "Full name is required",
	"fullName.max":             "Full name must not exceed 100 characters",
	"email.required":           "Email is required",
	"email.max":                "Email must not exceed 100 characters",
	"email.portal_email":       "Please enter a valid email address",
	"password.required":        "Password is required",
	"password.strong_password": "Password must be at least 8 characters with uppercase, lowercase, and number",
	"confirmPassword.required": "Please confirm your password",
	"confirmPassword.eqfield":  "Passwords do not match",
	"role.portal_role":         "Please select a valid role",
}

var loginMessages = map[string]string{
	"email.required":    "Email is required",
	"password.required": "Password is required",
}

var changePasswordMessages = map[string]string{
	"oldPassword.required":       "Current password is required",
	"newPassword.required":       "New password is required",
	"newPassword.min":            "Password must be at least 8 characters",
	"newPassword.max":            "Password must not exceed 50 characters",
	"newPassword.password_chars": "Password must contain uppercase, lowercase, and number",
	"newPassword.nefield":        "New password must be different from current password",
	"confirmPassword.required":   "Please confirm your new password",
	"confirmPassword.eqfield":    "Passwords do not match",
}

// check validates req and converts failures into a field-keyed
// *apperr.ValidationError using messages.
func check(req interface{}, messages map[string]string) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := apperr.NewValidationError()
	for _, fe := range fieldErrs {
		message, ok := messages[fe.Field()+"."+fe.Tag()]
		if !ok {
			message = "Invalid value"
		}
		verr.Add(fe.Field(), message)
	}
	return verr.OrNil()
}
