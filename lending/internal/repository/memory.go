package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/Astemirdum/lending-service/lending/internal/model"
)

// memory keeps the whole store behind one mutex. A unit of work runs on a copy
// of the maps which replaces the store only when fn succeeds.
type memory struct {
	mu     sync.Mutex
	seq    int
	books  map[string]model.Book
	loans  map[string]model.Loan
	nowUTC func() time.Time
}

func NewMemoryRepository() *memory {
	return &memory{
		books:  make(map[string]model.Book),
		loans:  make(map[string]model.Loan),
		nowUTC: func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*memory)(nil)

func (m *memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		seq:   m.seq,
		books: make(map[string]model.Book, len(m.books)),
		loans: make(map[string]model.Loan, len(m.loans)),
		now:   m.nowUTC,
	}
	for k, v := range m.books {
		tx.books[k] = v
	}
	for k, v := range m.loans {
		tx.loans[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.seq, m.books, m.loans = tx.seq, tx.books, tx.loans
	return nil
}

func (m *memory) GetBook(_ context.Context, bookUid string) (model.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookUid]
	if !ok {
		return model.Book{}, errs.ErrNotFound
	}
	return b, nil
}

func (m *memory) ListBooks(_ context.Context, filter model.BookFilter) ([]model.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	books := m.filterBooks(filter)
	return page(books, filter.Paging), nil
}

func (m *memory) CountBooks(_ context.Context, filter model.BookFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterBooks(filter)), nil
}

func (m *memory) GetLoan(_ context.Context, loanUid string) (model.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[loanUid]
	if !ok {
		return model.Loan{}, errs.ErrNotFound
	}
	return l, nil
}

func (m *memory) ListLoans(_ context.Context, filter model.LoanFilter) ([]model.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.filterLoans(filter), filter.Paging), nil
}

func (m *memory) CountLoans(_ context.Context, filter model.LoanFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterLoans(filter)), nil
}

func (m *memory) filterBooks(filter model.BookFilter) []model.Book {
	search := strings.ToLower(filter.Search)
	res := make([]model.Book, 0)
	for _, b := range m.books {
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.Author), search) &&
			!strings.Contains(strings.ToLower(b.ISBN), search) {
			continue
		}
		if filter.Genre != "" && !strings.EqualFold(b.Genre, filter.Genre) {
			continue
		}
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Title != res[j].Title {
			return res[i].Title < res[j].Title
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (m *memory) filterLoans(filter model.LoanFilter) []model.Loan {
	res := make([]model.Loan, 0)
	for _, l := range m.loans {
		if filter.UserName != "" && l.UserName != filter.UserName {
			continue
		}
		if filter.BookUid != "" && l.BookUid != filter.BookUid {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil && !l.DueDate.Before(*filter.DueBefore) {
			continue
		}
		res = append(res, l)
	}
	if filter.Status == model.StatusBorrowed {
		sort.Slice(res, func(i, j int) bool {
			if !res[i].DueDate.Equal(res[j].DueDate) {
				return res[i].DueDate.Before(res[j].DueDate)
			}
			return res[i].ID < res[j].ID
		})
	} else {
		sort.Slice(res, func(i, j int) bool {
			if !res[i].BorrowDate.Equal(res[j].BorrowDate) {
				return res[i].BorrowDate.After(res[j].BorrowDate)
			}
			return res[i].ID > res[j].ID
		})
	}
	return res
}

func page[T any](items []T, p model.Paging) []T {
	if p.PageSize <= 0 {
		return items
	}
	from := p.Offset()
	if from >= len(items) {
		return []T{}
	}
	to := from + p.PageSize
	if to > len(items) {
		to = len(items)
	}
	return items[from:to]
}

type memTx struct {
	seq   int
	books map[string]model.Book
	loans map[string]model.Loan
	now   func() time.Time
}

func (t *memTx) nextID() int {
	t.seq++
	return t.seq
}

func (t *memTx) LockBook(_ context.Context, bookUid string) (model.Book, error) {
	b, ok := t.books[bookUid]
	if !ok {
		return model.Book{}, errs.ErrNotFound
	}
	return b, nil
}

func (t *memTx) CreateBook(_ context.Context, book model.Book) (model.Book, error) {
	if _, ok := t.books[book.BookUid]; ok {
		return model.Book{}, errs.ErrDuplicateISBN
	}
	for _, b := range t.books {
		if b.ISBN == book.ISBN {
			return model.Book{}, errs.ErrDuplicateISBN
		}
	}
	now := t.now()
	book.ID = t.nextID()
	book.CreatedAt, book.UpdatedAt = now, now
	t.books[book.BookUid] = book
	return book, nil
}

func (t *memTx) UpdateBook(_ context.Context, book model.Book) (model.Book, error) {
	old, ok := t.books[book.BookUid]
	if !ok {
		return model.Book{}, errs.ErrNotFound
	}
	for uid, b := range t.books {
		if uid != book.BookUid && b.ISBN == book.ISBN {
			return model.Book{}, errs.ErrDuplicateISBN
		}
	}
	book.ID, book.CreatedAt = old.ID, old.CreatedAt
	book.UpdatedAt = t.now()
	t.books[book.BookUid] = book
	return book, nil
}

func (t *memTx) SetAvailable(_ context.Context, bookUid string, available int) error {
	b, ok := t.books[bookUid]
	if !ok {
		return errs.ErrNotFound
	}
	b.Available = available
	b.UpdatedAt = t.now()
	t.books[bookUid] = b
	return nil
}

func (t *memTx) DeleteBook(_ context.Context, bookUid string) error {
	if _, ok := t.books[bookUid]; !ok {
		return errs.ErrNotFound
	}
	delete(t.books, bookUid)
	return nil
}

func (t *memTx) CountOpenLoans(_ context.Context, bookUid string) (int, error) {
	var n int
	for _, l := range t.loans {
		if l.BookUid == bookUid && l.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindOpenLoan(_ context.Context, userName, bookUid string) (model.Loan, error) {
	for _, l := range t.loans {
		if l.UserName == userName && l.BookUid == bookUid && l.IsOpen() {
			return l, nil
		}
	}
	return model.Loan{}, errs.ErrNotFound
}

func (t *memTx) LockLoan(_ context.Context, loanUid string) (model.Loan, error) {
	l, ok := t.loans[loanUid]
	if !ok {
		return model.Loan{}, errs.ErrNotFound
	}
	return l, nil
}

func (t *memTx) CreateLoan(ctx context.Context, loan model.Loan) (model.Loan, error) {
	if _, ok := t.books[loan.BookUid]; !ok {
		return model.Loan{}, errs.ErrNotFound
	}
	if _, err := t.FindOpenLoan(ctx, loan.UserName, loan.BookUid); err == nil {
		return model.Loan{}, errs.ErrDuplicateLoan
	}
	loan.ID = t.nextID()
	t.loans[loan.LoanUid] = loan
	return loan, nil
}

func (t *memTx) CloseLoan(_ context.Context, loan model.Loan) (model.Loan, error) {
	old, ok := t.loans[loan.LoanUid]
	if !ok {
		return model.Loan{}, errs.ErrNotFound
	}
	if !old.IsOpen() {
		return model.Loan{}, errs.ErrAlreadyReturned
	}
	old.Status = loan.Status
	old.ReturnDate = loan.ReturnDate
	t.loans[loan.LoanUid] = old
	return old, nil
}
