package errs

import (
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("no copies available")
	ErrDuplicateLoan   = errors.New("book is already borrowed by this borrower")
	ErrAlreadyReturned = errors.New("loan is already returned")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrDuplicateISBN = errors.New("book with this isbn already exists")
	ErrBookOnLoan    = errors.New("book has open loans")
)
