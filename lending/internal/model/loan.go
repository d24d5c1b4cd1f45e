package model

import (
	"time"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
)

const (
	Day = 24 * time.Hour

	DefaultLoanPeriod = 14 * Day
)

type Status string

const (
	StatusBorrowed Status = "borrowed"
	StatusReturned Status = "returned"
)

func (s Status) Valid() bool {
	return s == StatusBorrowed || s == StatusReturned
}

type Loan struct {
	ID          int        `json:"-" db:"id"`
	LoanUid     string     `json:"id" db:"loan_uid"`
	UserName    string     `json:"borrower" db:"username"`
	BookUid     string     `json:"bookId" db:"book_uid"`
	BookTitle   string     `json:"bookTitle" db:"book_title"`
	Status      Status     `json:"status" db:"status"`
	BorrowDate  time.Time  `json:"borrowDate" db:"borrow_date"`
	DueDate     time.Time  `json:"dueDate" db:"due_date"`
	ReturnDate  *time.Time `json:"returnDate" db:"return_date"`
	IsOverdue   bool       `json:"isOverdue" db:"-"`
	DaysOverdue int        `json:"daysOverdue" db:"-"`
}

// NewLoan opens a loan of book for userName at now.
func NewLoan(loanUid, userName string, book Book, now time.Time, period time.Duration) Loan {
	if period <= 0 {
		period = DefaultLoanPeriod
	}
	return Loan{
		LoanUid:    loanUid,
		UserName:   userName,
		BookUid:    book.BookUid,
		BookTitle:  book.Title,
		Status:     StatusBorrowed,
		BorrowDate: now,
		DueDate:    now.Add(period),
	}
}

func (l Loan) IsOpen() bool {
	return l.Status == StatusBorrowed && l.ReturnDate == nil
}

// Close moves an open loan to returned. A closed loan stays closed.
func (l *Loan) Close(now time.Time) error {
	if !l.IsOpen() {
		return errs.ErrAlreadyReturned
	}
	l.Status = StatusReturned
	l.ReturnDate = &now
	return nil
}

// Annotate fills the derived overdue fields for the instant now.
func (l *Loan) Annotate(now time.Time) {
	l.IsOverdue, l.DaysOverdue = Overdue(l.DueDate, l.ReturnDate, now)
}

// Overdue reports whether a loan due at dueDate is overdue at now and by how many
// started days. A returned loan is never overdue.
func Overdue(dueDate time.Time, returnDate *time.Time, now time.Time) (bool, int) {
	if returnDate != nil || !now.After(dueDate) {
		return false, 0
	}
	late := now.Sub(dueDate)
	days := int(late / Day)
	if late%Day != 0 {
		days++
	}
	return true, days
}

func AnnotateAll(loans []Loan, now time.Time) {
	for i := range loans {
		loans[i].Annotate(now)
	}
}
