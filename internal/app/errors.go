package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not
	// match. The message is shown to end users and must not enable account
	// enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrTitleAlreadyExists = errors.New("a book with this title already exists")

	ErrNotFound        = errors.New("not found")
	ErrDuplicateRating = errors.New("user already rated this book")

	// ErrIdentityMismatch is returned when the authenticated user acts on
	// behalf of someone else: a rating body naming another userId, or a
	// mutation of a book they do not own.
	ErrIdentityMismatch = errors.New("authenticated user does not match request")

	// ErrValidation is the class sentinel for malformed input; wrap it with
	// a field message via validationError.
	ErrValidation = errors.New("invalid request")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
