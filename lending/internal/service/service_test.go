package service_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/Astemirdum/lending-service/lending/internal/model"
	"github.com/Astemirdum/lending-service/lending/internal/repository"
	"github.com/Astemirdum/lending-service/lending/internal/service"
	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	alice     = auth.Identity{UserName: "alice", Role: auth.RoleBorrower}
	bob       = auth.Identity{UserName: "bob", Role: auth.RoleBorrower}
	librarian = auth.Identity{UserName: "lib", Role: auth.RoleLibrarian}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []kafka.EventLoan
	err    error
}

func (r *recorder) Publish(_ context.Context, e kafka.EventLoan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type env struct {
	svc   *service.Service
	repo  repository.Repository
	clock *clock
	pub   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	pub := &recorder{}
	repo := repository.NewMemoryRepository()
	svc := service.NewService(repo, zap.NewNop(),
		service.WithClock(c.Now),
		service.WithPublisher(pub),
	)
	return &env{svc: svc, repo: repo, clock: c, pub: pub}
}

func (e *env) addBook(t *testing.T, isbn string, quantity int) model.Book {
	t.Helper()
	book, err := e.svc.CreateBook(context.Background(), librarian, model.BookRequest{
		ISBN:     isbn,
		Title:    "Title " + isbn,
		Author:   "Author",
		Quantity: &quantity,
	})
	require.NoError(t, err)
	return book
}

// requireConsistent checks available == quantity - open loans.
func (e *env) requireConsistent(t *testing.T, bookUid string) {
	t.Helper()
	ctx := context.Background()
	book, err := e.repo.GetBook(ctx, bookUid)
	require.NoError(t, err)
	open, err := e.repo.CountLoans(ctx, model.LoanFilter{BookUid: bookUid, Status: model.StatusBorrowed})
	require.NoError(t, err)
	require.Equal(t, book.Quantity-open, book.Available)
	require.GreaterOrEqual(t, book.Available, 0)
	require.LessOrEqual(t, book.Available, book.Quantity)
}

func TestService_BorrowReturnScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "978-0", 2)
	require.Equal(t, 2, book.Available)

	borrowedAt := e.clock.Now()
	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, model.StatusBorrowed, loan.Status)
	require.Equal(t, borrowedAt, loan.BorrowDate)
	require.Equal(t, borrowedAt.Add(14*model.Day), loan.DueDate)
	require.Nil(t, loan.ReturnDate)
	require.False(t, loan.IsOverdue)
	require.Equal(t, book.Title, loan.BookTitle)

	got, err := e.svc.GetBook(ctx, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, 1, got.Available)
	e.requireConsistent(t, book.BookUid)

	e.clock.Advance(3 * model.Day)
	returned, err := e.svc.Return(ctx, alice, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	require.Equal(t, e.clock.Now(), *returned.ReturnDate)

	got, err = e.svc.GetBook(ctx, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, 2, got.Available)
	e.requireConsistent(t, book.BookUid)

	require.Len(t, e.pub.events, 2)
	require.Equal(t, kafka.EventBorrowed, e.pub.events[0].EventType)
	require.Equal(t, kafka.EventReturned, e.pub.events[1].EventType)
	require.False(t, e.pub.events[1].Overdue)
}

func TestService_BorrowErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 1)

	_, err := e.svc.Borrow(ctx, alice, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.svc.Borrow(ctx, auth.Identity{}, book.BookUid)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	_, err = e.svc.Borrow(ctx, alice, book.BookUid)
	require.ErrorIs(t, err, errs.ErrDuplicateLoan)

	_, err = e.svc.Borrow(ctx, bob, book.BookUid)
	require.ErrorIs(t, err, errs.ErrUnavailable)

	e.requireConsistent(t, book.BookUid)
}

func TestService_ReturnTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 3)

	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	_, err = e.svc.Return(ctx, alice, model.ReturnRequest{BookUid: book.BookUid})
	require.NoError(t, err)

	_, err = e.svc.Return(ctx, alice, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.ErrorIs(t, err, errs.ErrAlreadyReturned)

	_, err = e.svc.Return(ctx, alice, model.ReturnRequest{BookUid: book.BookUid})
	require.ErrorIs(t, err, errs.ErrNotFound)

	got, err := e.svc.GetBook(ctx, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, 3, got.Available)
}

func TestService_ReturnOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 2)

	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	_, err = e.svc.Return(ctx, bob, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.svc.Return(ctx, bob, model.ReturnRequest{BookUid: book.BookUid})
	require.ErrorIs(t, err, errs.ErrNotFound)

	returned, err := e.svc.Return(ctx, librarian, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.NoError(t, err)
	require.Equal(t, "alice", returned.UserName)
	e.requireConsistent(t, book.BookUid)
}

func TestService_ConcurrentBorrowLastCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 1)

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		errList []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := auth.Identity{UserName: "user-" + strconv.Itoa(i), Role: auth.RoleBorrower}
			_, err := e.svc.Borrow(ctx, id, book.BookUid)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
				return
			}
			errList = append(errList, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, success)
	require.Len(t, errList, n-1)
	for _, err := range errList {
		require.ErrorIs(t, err, errs.ErrUnavailable)
	}
	got, err := e.svc.GetBook(ctx, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, 0, got.Available)
	e.requireConsistent(t, book.BookUid)
}

func TestService_ConcurrentBorrowSameBorrower(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 10)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.svc.Borrow(ctx, alice, book.BookUid)
		}(i)
	}
	wg.Wait()

	var success int
	for _, err := range results {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, errs.ErrDuplicateLoan)
	}
	require.Equal(t, 1, success)
	e.requireConsistent(t, book.BookUid)
}

func TestService_ConcurrentReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 1)
	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.svc.Return(ctx, alice, model.ReturnRequest{LoanUid: loan.LoanUid})
		}(i)
	}
	wg.Wait()

	var success int
	for _, err := range results {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, errs.ErrAlreadyReturned)
	}
	require.Equal(t, 1, success)

	got, err := e.svc.GetBook(ctx, book.BookUid)
	require.NoError(t, err)
	require.Equal(t, 1, got.Available)
}

func TestService_Overdue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 2)
	other := e.addBook(t, "2", 2)

	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)
	_, err = e.svc.Borrow(ctx, bob, other.BookUid)
	require.NoError(t, err)

	e.clock.Advance(14 * model.Day)
	overdue, err := e.svc.ListOverdue(ctx, librarian, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Empty(t, overdue.Items)

	e.clock.Advance(model.Day)
	_, err = e.svc.Return(ctx, bob, model.ReturnRequest{BookUid: other.BookUid})
	require.NoError(t, err)
	require.True(t, e.pub.events[len(e.pub.events)-1].Overdue)

	overdue, err = e.svc.ListOverdue(ctx, librarian, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Len(t, overdue.Items, 1)
	require.Equal(t, 1, overdue.TotalElements)
	require.Equal(t, loan.LoanUid, overdue.Items[0].LoanUid)
	require.True(t, overdue.Items[0].IsOverdue)
	require.Equal(t, 1, overdue.Items[0].DaysOverdue)

	mine, err := e.svc.ListMyLoans(ctx, alice, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	require.True(t, mine.Items[0].IsOverdue)
	require.Equal(t, 1, mine.Items[0].DaysOverdue)

	returned, err := e.svc.Return(ctx, alice, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.NoError(t, err)
	require.False(t, returned.IsOverdue)
	require.Zero(t, returned.DaysOverdue)

	overdue, err = e.svc.ListOverdue(ctx, librarian, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Empty(t, overdue.Items)

	_, err = e.svc.ListOverdue(ctx, alice, model.NewPaging(1, 10))
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestService_ListMyLoansOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	first := e.addBook(t, "1", 1)
	second := e.addBook(t, "2", 1)
	third := e.addBook(t, "3", 1)

	for _, b := range []model.Book{third, first, second} {
		_, err := e.svc.Borrow(ctx, alice, b.BookUid)
		require.NoError(t, err)
		e.clock.Advance(time.Hour)
	}
	_, err := e.svc.Borrow(ctx, bob, second.BookUid)
	require.ErrorIs(t, err, errs.ErrUnavailable)

	mine, err := e.svc.ListMyLoans(ctx, alice, model.NewPaging(1, 2))
	require.NoError(t, err)
	require.Equal(t, 3, mine.TotalElements)
	require.Len(t, mine.Items, 2)
	require.Equal(t, third.BookUid, mine.Items[0].BookUid)
	require.Equal(t, first.BookUid, mine.Items[1].BookUid)

	mine, err = e.svc.ListMyLoans(ctx, alice, model.NewPaging(2, 2))
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	require.Equal(t, second.BookUid, mine.Items[0].BookUid)

	theirs, err := e.svc.ListMyLoans(ctx, bob, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Empty(t, theirs.Items)
}

func TestService_ListLoans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 2)

	_, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)
	_, err = e.svc.Borrow(ctx, bob, book.BookUid)
	require.NoError(t, err)
	_, err = e.svc.Return(ctx, bob, model.ReturnRequest{BookUid: book.BookUid})
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      auth.Identity
		status  model.Status
		want    int
		wantErr error
	}{
		{name: "all", id: librarian, want: 2},
		{name: "borrowed", id: librarian, status: model.StatusBorrowed, want: 1},
		{name: "returned", id: librarian, status: model.StatusReturned, want: 1},
		{name: "unknown status", id: librarian, status: "lost", wantErr: errs.ErrInvalidArgument},
		{name: "borrower", id: alice, wantErr: errs.ErrForbidden},
		{name: "anonymous", wantErr: errs.ErrUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.svc.ListLoans(ctx, tt.id, tt.status, model.NewPaging(1, 10))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, res.Items, tt.want)
			require.Equal(t, tt.want, res.TotalElements)
		})
	}
}

func TestService_AdjustQuantity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 3)

	_, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)
	_, err = e.svc.Borrow(ctx, bob, book.BookUid)
	require.NoError(t, err)

	_, err = e.svc.AdjustQuantity(ctx, alice, book.BookUid, 10)
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.svc.AdjustQuantity(ctx, librarian, book.BookUid, 1)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	e.requireConsistent(t, book.BookUid)

	got, err := e.svc.AdjustQuantity(ctx, librarian, book.BookUid, 2)
	require.NoError(t, err)
	require.Equal(t, 2, got.Quantity)
	require.Equal(t, 0, got.Available)

	got, err = e.svc.AdjustQuantity(ctx, librarian, book.BookUid, 5)
	require.NoError(t, err)
	require.Equal(t, 3, got.Available)
	e.requireConsistent(t, book.BookUid)

	_, err = e.svc.AdjustQuantity(ctx, librarian, "missing", 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_UpdateBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 2)
	e.addBook(t, "2", 1)

	_, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	quantity := 4
	got, err := e.svc.UpdateBook(ctx, librarian, book.BookUid, model.BookRequest{
		ISBN:     "1",
		Title:    "New title",
		Author:   "New author",
		Genre:    "Poetry",
		Quantity: &quantity,
	})
	require.NoError(t, err)
	require.Equal(t, "New title", got.Title)
	require.Equal(t, 4, got.Quantity)
	require.Equal(t, 3, got.Available)
	e.requireConsistent(t, book.BookUid)

	_, err = e.svc.UpdateBook(ctx, librarian, book.BookUid, model.BookRequest{
		ISBN: "2", Title: "t", Author: "a", Quantity: &quantity,
	})
	require.ErrorIs(t, err, errs.ErrDuplicateISBN)

	zero := 0
	_, err = e.svc.UpdateBook(ctx, librarian, book.BookUid, model.BookRequest{
		ISBN: "1", Title: "t", Author: "a", Quantity: &zero,
	})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = e.svc.UpdateBook(ctx, bob, book.BookUid, model.BookRequest{ISBN: "1", Title: "t", Author: "a", Quantity: &quantity})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestService_CreateBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	quantity := 3

	_, err := e.svc.CreateBook(ctx, alice, model.BookRequest{ISBN: "1", Title: "t", Author: "a", Quantity: &quantity})
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.svc.CreateBook(ctx, auth.Identity{UserName: "x"}, model.BookRequest{ISBN: "1", Title: "t", Author: "a", Quantity: &quantity})
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	book, err := e.svc.CreateBook(ctx, librarian, model.BookRequest{ISBN: "1", Title: "t", Author: "a", Quantity: &quantity})
	require.NoError(t, err)
	require.NotEmpty(t, book.BookUid)
	require.Equal(t, 3, book.Available)

	_, err = e.svc.CreateBook(ctx, librarian, model.BookRequest{ISBN: "1", Title: "t2", Author: "a", Quantity: &quantity})
	require.ErrorIs(t, err, errs.ErrDuplicateISBN)

	negative := -1
	_, err = e.svc.CreateBook(ctx, librarian, model.BookRequest{ISBN: "2", Title: "t", Author: "a", Quantity: &negative})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestService_DeleteBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	book := e.addBook(t, "1", 1)

	loan, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)

	require.ErrorIs(t, e.svc.DeleteBook(ctx, alice, book.BookUid), errs.ErrForbidden)
	require.ErrorIs(t, e.svc.DeleteBook(ctx, librarian, book.BookUid), errs.ErrBookOnLoan)

	_, err = e.svc.Return(ctx, alice, model.ReturnRequest{LoanUid: loan.LoanUid})
	require.NoError(t, err)

	require.NoError(t, e.svc.DeleteBook(ctx, librarian, book.BookUid))
	_, err = e.svc.GetBook(ctx, book.BookUid)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, e.svc.DeleteBook(ctx, librarian, book.BookUid), errs.ErrNotFound)

	history, err := e.svc.ListLoans(ctx, librarian, model.StatusReturned, model.NewPaging(1, 10))
	require.NoError(t, err)
	require.Len(t, history.Items, 1)
	require.Equal(t, book.Title, history.Items[0].BookTitle)
}

func TestService_PublishFailureDoesNotFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.pub.err = errors.New("broker down")
	book := e.addBook(t, "1", 1)

	_, err := e.svc.Borrow(ctx, alice, book.BookUid)
	require.NoError(t, err)
	_, err = e.svc.Return(ctx, alice, model.ReturnRequest{BookUid: book.BookUid})
	require.NoError(t, err)
	require.Len(t, e.pub.events, 2)
}

func TestService_ListBooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	for _, isbn := range []string{"a", "b", "c"} {
		e.addBook(t, isbn, 1)
	}

	res, err := e.svc.ListBooks(ctx, model.BookFilter{Paging: model.NewPaging(1, 2)})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 3, res.TotalElements)
	require.Equal(t, 1, res.Page)
	require.Equal(t, 2, res.PageSize)

	res, err = e.svc.ListBooks(ctx, model.BookFilter{Search: "title b", Paging: model.NewPaging(1, 10)})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "b", res.Items[0].ISBN)
}
