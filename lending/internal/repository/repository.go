package repository

import (
	"context"

	"github.com/Astemirdum/lending-service/lending/internal/model"
)

// Repository is the catalog and loan storage. Every mutation goes through WithTx:
// the unit of work either commits as a whole or leaves no trace.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Reader interface {
	GetBook(ctx context.Context, bookUid string) (model.Book, error)
	ListBooks(ctx context.Context, filter model.BookFilter) ([]model.Book, error)
	CountBooks(ctx context.Context, filter model.BookFilter) (int, error)
	GetLoan(ctx context.Context, loanUid string) (model.Loan, error)
	ListLoans(ctx context.Context, filter model.LoanFilter) ([]model.Loan, error)
	CountLoans(ctx context.Context, filter model.LoanFilter) (int, error)
}

// Tx is a unit of work. Lock* methods hold the row until the unit of work ends,
// so callers serialize on a book by locking it first.
type Tx interface {
	LockBook(ctx context.Context, bookUid string) (model.Book, error)
	CreateBook(ctx context.Context, book model.Book) (model.Book, error)
	UpdateBook(ctx context.Context, book model.Book) (model.Book, error)
	SetAvailable(ctx context.Context, bookUid string, available int) error
	DeleteBook(ctx context.Context, bookUid string) error

	CountOpenLoans(ctx context.Context, bookUid string) (int, error)
	FindOpenLoan(ctx context.Context, userName, bookUid string) (model.Loan, error)
	LockLoan(ctx context.Context, loanUid string) (model.Loan, error)
	CreateLoan(ctx context.Context, loan model.Loan) (model.Loan, error)
	CloseLoan(ctx context.Context, loan model.Loan) (model.Loan, error)
}
