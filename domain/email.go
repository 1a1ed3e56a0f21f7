package domain

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

var validate = validator.New()

// emailHolder exists only so we can drive go-playground/validator's "email"
// tag, which is the same RFC-syntax validator the rest of this codebase
// already depends on for every other struct tag -- no separate regexp is
// maintained for this.
type emailHolder struct {
	Email string `validate:"required,email"`
}

// Email is a validated subscriber email address.
type Email struct {
	value string
}

// String returns the underlying, already-validated email.
func (e Email) String() string {
	return e.value
}

// ParseEmail trims s and validates it as an RFC-syntax email address.
// Empty and whitespace-only strings are rejected.
func ParseEmail(s string) (Email, error) {
	trimmed := strings.TrimSpace(s)

	if err := validate.Struct(&emailHolder{Email: trimmed}); err != nil {
		return Email{}, xerrors.Errorf("%q is not a valid email address: %w", s, apperr.ErrFormInvalid)
	}

	return Email{value: trimmed}, nil
}
