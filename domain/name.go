package domain

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/apperr"
)

// MaxSubscriberNameLength is the maximum number of graphemes (approximated
// here with runes -- Go has no grapheme-cluster package in the standard
// library) a subscriber display name may contain.
const MaxSubscriberNameLength = 256

var forbiddenNameChars = []rune{'/', '(', ')', '"', '<', '>', '\\', '{', '}'}

// Name is a validated subscriber display name. The zero value is not a valid
// Name; always go through ParseName.
type Name struct {
	value string
}

// String returns the underlying, already-validated name.
func (n Name) String() string {
	return n.value
}

// ParseName trims s and validates it against the subscriber name rules:
// non-empty after trimming, at most MaxSubscriberNameLength runes, and free
// of a small set of characters that would otherwise complicate rendering the
// name back into HTML or plain-text email bodies.
func ParseName(s string) (Name, error) {
	trimmed := strings.TrimSpace(s)

	if trimmed == "" {
		return Name{}, xerrors.Errorf("name is empty or whitespace-only: %w", apperr.ErrFormInvalid)
	}

	if utf8.RuneCountInString(trimmed) > MaxSubscriberNameLength {
		return Name{}, xerrors.Errorf("name exceeds %d characters: %w", MaxSubscriberNameLength, apperr.ErrFormInvalid)
	}

	for _, r := range trimmed {
		for _, forbidden := range forbiddenNameChars {
			if r == forbidden {
				return Name{}, xerrors.Errorf("name contains forbidden character %q: %w", r, apperr.ErrFormInvalid)
			}
		}
	}

	return Name{value: trimmed}, nil
}
