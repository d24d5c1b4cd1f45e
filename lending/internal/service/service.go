package service

import (
	"context"
	"time"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/Astemirdum/lending-service/lending/internal/model"
	"github.com/Astemirdum/lending-service/lending/internal/repository"
	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/Astemirdum/lending-service/lending/internal/service"

type Service struct {
	log        *zap.Logger
	repo       repository.Repository
	publisher  kafka.Publisher
	tracer     trace.Tracer
	loanPeriod time.Duration
	now        func() time.Time
}

type Option func(s *Service)

// WithClock replaces the wall clock. Every operation reads it once.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLoanPeriod(period time.Duration) Option {
	return func(s *Service) {
		if period > 0 {
			s.loanPeriod = period
		}
	}
}

func WithPublisher(p kafka.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func NewService(repo repository.Repository, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		log:        log.Named("service"),
		repo:       repo,
		publisher:  kafka.NewNopPublisher(),
		tracer:     otel.Tracer(tracerName),
		loanPeriod: model.DefaultLoanPeriod,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListBooks(ctx context.Context, filter model.BookFilter) (model.ListBooks, error) {
	ctx, span := s.tracer.Start(ctx, "Service.ListBooks")
	defer span.End()

	var (
		books []model.Book
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		books, err = s.repo.ListBooks(gctx, filter)
		return errors.Wrap(err, "list books")
	})
	g.Go(func() (err error) {
		total, err = s.repo.CountBooks(gctx, filter)
		return errors.Wrap(err, "count books")
	})
	if err := g.Wait(); err != nil {
		return model.ListBooks{}, s.fail(span, err)
	}

	paging := filter.Paging
	paging.TotalElements = total
	return model.ListBooks{Paging: paging, Items: books}, nil
}

func (s *Service) GetBook(ctx context.Context, bookUid string) (model.Book, error) {
	return s.repo.GetBook(ctx, bookUid)
}

func (s *Service) CreateBook(ctx context.Context, id auth.Identity, req model.BookRequest) (model.Book, error) {
	ctx, span := s.tracer.Start(ctx, "Service.CreateBook")
	defer span.End()

	if err := librarian(id); err != nil {
		return model.Book{}, err
	}
	book := model.Book{BookUid: uuid.NewString()}
	book.Apply(req)
	if err := book.Resize(quantityOf(req), 0); err != nil {
		return model.Book{}, err
	}

	var created model.Book
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) (err error) {
		created, err = tx.CreateBook(ctx, book)
		return err
	})
	if err != nil {
		return model.Book{}, s.fail(span, err)
	}
	s.log.Info("book created",
		zap.String("bookUid", created.BookUid),
		zap.String("isbn", created.ISBN),
		zap.String("by", id.UserName))
	return created, nil
}

// UpdateBook replaces the catalog attributes of a book. A changed quantity goes
// through the same rule as AdjustQuantity.
func (s *Service) UpdateBook(ctx context.Context, id auth.Identity, bookUid string, req model.BookRequest) (model.Book, error) {
	ctx, span := s.tracer.Start(ctx, "Service.UpdateBook", trace.WithAttributes(attribute.String("bookUid", bookUid)))
	defer span.End()

	if err := librarian(id); err != nil {
		return model.Book{}, err
	}
	var updated model.Book
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookUid)
		if err != nil {
			return err
		}
		book.Apply(req)
		if req.Quantity != nil && *req.Quantity != book.Quantity {
			if err := s.resize(ctx, tx, &book, *req.Quantity); err != nil {
				return err
			}
		}
		updated, err = tx.UpdateBook(ctx, book)
		return err
	})
	if err != nil {
		return model.Book{}, s.fail(span, err)
	}
	s.log.Info("book updated", zap.String("bookUid", bookUid), zap.String("by", id.UserName))
	return updated, nil
}

// AdjustQuantity sets the number of owned copies and recomputes available as
// quantity minus the copies currently on loan.
func (s *Service) AdjustQuantity(ctx context.Context, id auth.Identity, bookUid string, quantity int) (model.Book, error) {
	ctx, span := s.tracer.Start(ctx, "Service.AdjustQuantity", trace.WithAttributes(attribute.String("bookUid", bookUid)))
	defer span.End()

	if err := librarian(id); err != nil {
		return model.Book{}, err
	}
	var updated model.Book
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookUid)
		if err != nil {
			return err
		}
		if err := s.resize(ctx, tx, &book, quantity); err != nil {
			return err
		}
		updated, err = tx.UpdateBook(ctx, book)
		return err
	})
	if err != nil {
		return model.Book{}, s.fail(span, err)
	}
	s.log.Info("quantity adjusted",
		zap.String("bookUid", bookUid),
		zap.Int("quantity", updated.Quantity),
		zap.Int("available", updated.Available))
	return updated, nil
}

func (s *Service) resize(ctx context.Context, tx repository.Tx, book *model.Book, quantity int) error {
	open, err := tx.CountOpenLoans(ctx, book.BookUid)
	if err != nil {
		return err
	}
	return book.Resize(quantity, open)
}

func (s *Service) DeleteBook(ctx context.Context, id auth.Identity, bookUid string) error {
	ctx, span := s.tracer.Start(ctx, "Service.DeleteBook", trace.WithAttributes(attribute.String("bookUid", bookUid)))
	defer span.End()

	if err := librarian(id); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.LockBook(ctx, bookUid); err != nil {
			return err
		}
		open, err := tx.CountOpenLoans(ctx, bookUid)
		if err != nil {
			return err
		}
		if open > 0 {
			return errors.Wrapf(errs.ErrBookOnLoan, "%d copies on loan", open)
		}
		return tx.DeleteBook(ctx, bookUid)
	})
	if err != nil {
		return s.fail(span, err)
	}
	s.log.Info("book deleted", zap.String("bookUid", bookUid), zap.String("by", id.UserName))
	return nil
}

// Borrow checks out one copy of the book for the caller. The duplicate check,
// the decrement and the new loan share one unit of work holding the book row.
func (s *Service) Borrow(ctx context.Context, id auth.Identity, bookUid string) (model.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Borrow", trace.WithAttributes(attribute.String("bookUid", bookUid)))
	defer span.End()

	if !id.Valid() {
		return model.Loan{}, errs.ErrUnauthorized
	}
	now := s.now()

	var loan model.Loan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookUid)
		if err != nil {
			return err
		}
		_, err = tx.FindOpenLoan(ctx, id.UserName, bookUid)
		switch {
		case err == nil:
			return errs.ErrDuplicateLoan
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
		if err := book.Checkout(); err != nil {
			return err
		}
		loan, err = tx.CreateLoan(ctx, model.NewLoan(uuid.NewString(), id.UserName, book, now, s.loanPeriod))
		if err != nil {
			return err
		}
		return tx.SetAvailable(ctx, bookUid, book.Available)
	})
	if err != nil {
		return model.Loan{}, s.fail(span, err)
	}
	loan.Annotate(now)

	s.log.Info("loan borrowed",
		zap.String("loanUid", loan.LoanUid),
		zap.String("bookUid", bookUid),
		zap.String("username", id.UserName),
		zap.Time("dueDate", loan.DueDate))
	s.publish(ctx, kafka.EventLoan{
		Timestamp: now,
		UserName:  id.UserName,
		LoanUid:   loan.LoanUid,
		BookUid:   bookUid,
		EventType: kafka.EventBorrowed,
		Simplex:   kafka.SimplexDown,
	})
	return loan, nil
}

// Return closes the caller's open loan, found either by loan id or by book.
// A librarian may return any loan by id.
func (s *Service) Return(ctx context.Context, id auth.Identity, req model.ReturnRequest) (model.Loan, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Return",
		trace.WithAttributes(attribute.String("loanUid", req.LoanUid), attribute.String("bookUid", req.BookUid)))
	defer span.End()

	if !id.Valid() {
		return model.Loan{}, errs.ErrUnauthorized
	}
	bookUid := req.BookUid
	if req.LoanUid != "" {
		loan, err := s.repo.GetLoan(ctx, req.LoanUid)
		if err != nil {
			return model.Loan{}, s.fail(span, err)
		}
		if loan.UserName != id.UserName && !id.IsLibrarian() {
			return model.Loan{}, errs.ErrNotFound
		}
		if !loan.IsOpen() {
			return model.Loan{}, errs.ErrAlreadyReturned
		}
		bookUid = loan.BookUid
	}
	if bookUid == "" {
		return model.Loan{}, errors.Wrap(errs.ErrInvalidArgument, "bookId or loanId is required")
	}
	now := s.now()

	var loan model.Loan
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		book, err := tx.LockBook(ctx, bookUid)
		if err != nil {
			return err
		}
		if req.LoanUid != "" {
			loan, err = tx.LockLoan(ctx, req.LoanUid)
		} else {
			loan, err = tx.FindOpenLoan(ctx, id.UserName, bookUid)
		}
		if err != nil {
			return err
		}
		if err := loan.Close(now); err != nil {
			return err
		}
		if loan, err = tx.CloseLoan(ctx, loan); err != nil {
			return err
		}
		book.Checkin()
		return tx.SetAvailable(ctx, bookUid, book.Available)
	})
	if err != nil {
		return model.Loan{}, s.fail(span, err)
	}
	late := now.After(loan.DueDate)
	loan.Annotate(now)

	s.log.Info("loan returned",
		zap.String("loanUid", loan.LoanUid),
		zap.String("bookUid", bookUid),
		zap.String("username", loan.UserName),
		zap.Bool("late", late))
	s.publish(ctx, kafka.EventLoan{
		Timestamp: now,
		UserName:  loan.UserName,
		LoanUid:   loan.LoanUid,
		BookUid:   bookUid,
		EventType: kafka.EventReturned,
		Simplex:   kafka.SimplexUp,
		Overdue:   late,
	})
	return loan, nil
}

// ListMyLoans returns the caller's open loans, soonest due first.
func (s *Service) ListMyLoans(ctx context.Context, id auth.Identity, paging model.Paging) (model.ListLoans, error) {
	if !id.Valid() {
		return model.ListLoans{}, errs.ErrUnauthorized
	}
	loans, paging, err := s.listLoans(ctx, "Service.ListMyLoans", model.LoanFilter{
		UserName: id.UserName,
		Status:   model.StatusBorrowed,
		Paging:   paging,
	})
	if err != nil {
		return model.ListLoans{}, err
	}
	return model.ListLoans{Paging: paging, Items: loans}, nil
}

// ListLoans returns every loan, optionally narrowed to one status.
func (s *Service) ListLoans(ctx context.Context, id auth.Identity, status model.Status, paging model.Paging) (model.ListLoans, error) {
	if err := librarian(id); err != nil {
		return model.ListLoans{}, err
	}
	if status != "" && !status.Valid() {
		return model.ListLoans{}, errors.Wrapf(errs.ErrInvalidArgument, "unknown status %q", status)
	}
	loans, paging, err := s.listLoans(ctx, "Service.ListLoans", model.LoanFilter{
		Status: status,
		Paging: paging,
	})
	if err != nil {
		return model.ListLoans{}, err
	}
	return model.ListLoans{Paging: paging, Items: loans}, nil
}

// ListOverdue returns the open loans whose due date has passed at this instant.
func (s *Service) ListOverdue(ctx context.Context, id auth.Identity, paging model.Paging) (model.ListOverdue, error) {
	if err := librarian(id); err != nil {
		return model.ListOverdue{}, err
	}
	now := s.now()
	loans, paging, err := s.listLoansAt(ctx, "Service.ListOverdue", model.LoanFilter{
		Status:    model.StatusBorrowed,
		DueBefore: &now,
		Paging:    paging,
	}, now)
	if err != nil {
		return model.ListOverdue{}, err
	}
	return model.ListOverdue{Paging: paging, Items: loans}, nil
}

func (s *Service) listLoans(ctx context.Context, op string, filter model.LoanFilter) ([]model.Loan, model.Paging, error) {
	return s.listLoansAt(ctx, op, filter, s.now())
}

func (s *Service) listLoansAt(ctx context.Context, op string, filter model.LoanFilter, now time.Time) ([]model.Loan, model.Paging, error) {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	var (
		loans []model.Loan
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		loans, err = s.repo.ListLoans(gctx, filter)
		return errors.Wrap(err, "list loans")
	})
	g.Go(func() (err error) {
		total, err = s.repo.CountLoans(gctx, filter)
		return errors.Wrap(err, "count loans")
	})
	if err := g.Wait(); err != nil {
		return nil, model.Paging{}, s.fail(span, err)
	}
	model.AnnotateAll(loans, now)

	paging := filter.Paging
	paging.TotalElements = total
	return loans, paging, nil
}

func (s *Service) publish(ctx context.Context, event kafka.EventLoan) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("publish lending event",
			zap.String("eventType", string(event.EventType)),
			zap.String("loanUid", event.LoanUid),
			zap.Error(err))
	}
}

// fail records err on the span. Domain rejections stay at debug level.
func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if isDomain(err) {
		s.log.Debug("rejected", zap.Error(err))
	} else {
		s.log.Error("storage", zap.Error(err))
	}
	return err
}

func isDomain(err error) bool {
	for _, target := range []error{
		errs.ErrNotFound, errs.ErrUnavailable, errs.ErrDuplicateLoan, errs.ErrAlreadyReturned,
		errs.ErrForbidden, errs.ErrUnauthorized, errs.ErrInvalidArgument, errs.ErrDuplicateISBN, errs.ErrBookOnLoan,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func librarian(id auth.Identity) error {
	if !id.Valid() {
		return errs.ErrUnauthorized
	}
	if !id.IsLibrarian() {
		return errs.ErrForbidden
	}
	return nil
}

func quantityOf(req model.BookRequest) int {
	if req.Quantity == nil {
		return 0
	}
	return *req.Quantity
}
