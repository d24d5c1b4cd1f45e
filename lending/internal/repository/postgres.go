package repository

import (
	"context"
	"strings"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/Astemirdum/lending-service/lending/internal/model"
	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	booksTableName = `books`
	loansTableName = `loans`

	openLoanIndex = `loans_open_uidx`
	isbnIndex     = `books_isbn_key`
)

var (
	qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	bookColumns = []string{"id", "book_uid", "isbn", "title", "author", "genre", "published_year",
		"description", "quantity", "available", "created_at", "updated_at"}
	loanColumns = []string{"id", "loan_uid", "username", "book_uid", "book_title", "status",
		"borrow_date", "due_date", "return_date"}
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type repository struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

func NewRepository(db *pgxpool.Pool, log *zap.Logger) (*repository, error) {
	return &repository{
		db:  db,
		log: log.Named("repo"),
	}, nil
}

var _ Repository = (*repository)(nil)

func (r *repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn("rollback", zap.Error(err))
		}
	}()

	if err := fn(ctx, &pgTx{q: tx, log: r.log}); err != nil {
		return err
	}
	return errors.Wrap(mapErr(tx.Commit(ctx)), "commit")
}

func (r *repository) GetBook(ctx context.Context, bookUid string) (model.Book, error) {
	return getBook(ctx, r.db, bookUid, false)
}

func (r *repository) ListBooks(ctx context.Context, filter model.BookFilter) ([]model.Book, error) {
	q := bookFilter(qb.Select(bookColumns...).From(booksTableName), filter).
		OrderBy("title", "id").
		Limit(uint64(filter.Paging.PageSize)).
		Offset(uint64(filter.Paging.Offset()))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	r.log.Debug("ListBooks", zap.String("query", query), zap.Any("args", args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Book])
	if err != nil {
		return nil, errors.Wrap(err, "pgx.CollectRows")
	}
	return books, nil
}

func (r *repository) CountBooks(ctx context.Context, filter model.BookFilter) (int, error) {
	query, args, err := bookFilter(qb.Select("count(*)").From(booksTableName), filter).ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) GetLoan(ctx context.Context, loanUid string) (model.Loan, error) {
	return getLoan(ctx, r.db, loanUid, false)
}

func (r *repository) ListLoans(ctx context.Context, filter model.LoanFilter) ([]model.Loan, error) {
	q := loanFilter(qb.Select(loanColumns...).From(loansTableName), filter)
	if filter.Status == model.StatusBorrowed {
		q = q.OrderBy("due_date", "id")
	} else {
		q = q.OrderBy("borrow_date desc", "id desc")
	}
	query, args, err := q.
		Limit(uint64(filter.Paging.PageSize)).
		Offset(uint64(filter.Paging.Offset())).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loans, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Loan])
	if err != nil {
		return nil, errors.Wrap(err, "pgx.CollectRows")
	}
	return loans, nil
}

func (r *repository) CountLoans(ctx context.Context, filter model.LoanFilter) (int, error) {
	query, args, err := loanFilter(qb.Select("count(*)").From(loansTableName), filter).ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type pgTx struct {
	q   querier
	log *zap.Logger
}

func (t *pgTx) LockBook(ctx context.Context, bookUid string) (model.Book, error) {
	return getBook(ctx, t.q, bookUid, true)
}

func (t *pgTx) CreateBook(ctx context.Context, book model.Book) (model.Book, error) {
	query, args, err := qb.Insert(booksTableName).
		Columns("book_uid", "isbn", "title", "author", "genre", "published_year", "description", "quantity", "available").
		Values(book.BookUid, book.ISBN, book.Title, book.Author, book.Genre, book.PublishedYear, book.Description, book.Quantity, book.Available).
		Suffix("returning " + strings.Join(bookColumns, ", ")).
		ToSql()
	if err != nil {
		return model.Book{}, err
	}
	return collectBook(ctx, t.q, query, args)
}

func (t *pgTx) UpdateBook(ctx context.Context, book model.Book) (model.Book, error) {
	query, args, err := qb.Update(booksTableName).
		SetMap(map[string]any{
			"isbn":           book.ISBN,
			"title":          book.Title,
			"author":         book.Author,
			"genre":          book.Genre,
			"published_year": book.PublishedYear,
			"description":    book.Description,
			"quantity":       book.Quantity,
			"available":      book.Available,
			"updated_at":     sq.Expr("now()"),
		}).
		Where(sq.Eq{"book_uid": book.BookUid}).
		Suffix("returning " + strings.Join(bookColumns, ", ")).
		ToSql()
	if err != nil {
		return model.Book{}, err
	}
	return collectBook(ctx, t.q, query, args)
}

func (t *pgTx) SetAvailable(ctx context.Context, bookUid string, available int) error {
	const q = `
update books
    set available = @available, updated_at = now()
where book_uid = @book_uid`
	args := pgx.NamedArgs{
		"book_uid":  bookUid,
		"available": available,
	}
	tag, err := t.q.Exec(ctx, q, args)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteBook(ctx context.Context, bookUid string) error {
	query, args, err := qb.Delete(booksTableName).Where(sq.Eq{"book_uid": bookUid}).ToSql()
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (t *pgTx) CountOpenLoans(ctx context.Context, bookUid string) (int, error) {
	const q = `
	select count(*) from loans
	where book_uid = $1 and status = 'borrowed'
`
	rows, err := t.q.Query(ctx, q, bookUid)
	if err != nil {
		return 0, err
	}
	count, err := pgx.CollectOneRow(rows, pgx.RowTo[int])
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (t *pgTx) FindOpenLoan(ctx context.Context, userName, bookUid string) (model.Loan, error) {
	query, args, err := qb.Select(loanColumns...).
		From(loansTableName).
		Where(sq.Eq{"username": userName, "book_uid": bookUid, "status": model.StatusBorrowed}).
		Suffix("for update").
		ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	return collectLoan(ctx, t.q, query, args)
}

func (t *pgTx) LockLoan(ctx context.Context, loanUid string) (model.Loan, error) {
	return getLoan(ctx, t.q, loanUid, true)
}

func (t *pgTx) CreateLoan(ctx context.Context, loan model.Loan) (model.Loan, error) {
	query, args, err := qb.Insert(loansTableName).
		Columns("loan_uid", "username", "book_uid", "book_title", "status", "borrow_date", "due_date").
		Values(loan.LoanUid, loan.UserName, loan.BookUid, loan.BookTitle, loan.Status, loan.BorrowDate, loan.DueDate).
		Suffix("returning " + strings.Join(loanColumns, ", ")).
		ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	res, err := collectLoan(ctx, t.q, query, args)
	if err != nil {
		t.log.Error("CreateLoan", zap.String("q", query), zap.Any("args", args), zap.Error(err))
		return model.Loan{}, err
	}
	return res, nil
}

func (t *pgTx) CloseLoan(ctx context.Context, loan model.Loan) (model.Loan, error) {
	query, args, err := qb.Update(loansTableName).
		Set("status", loan.Status).
		Set("return_date", loan.ReturnDate).
		Where(sq.Eq{"loan_uid": loan.LoanUid, "status": model.StatusBorrowed}).
		Suffix("returning " + strings.Join(loanColumns, ", ")).
		ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	res, err := collectLoan(ctx, t.q, query, args)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Loan{}, errs.ErrAlreadyReturned
	}
	return res, err
}

func getBook(ctx context.Context, q querier, bookUid string, lock bool) (model.Book, error) {
	b := qb.Select(bookColumns...).
		From(booksTableName).
		Where(sq.Eq{"book_uid": bookUid}).
		Limit(1)
	if lock {
		b = b.Suffix("for update")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return model.Book{}, err
	}
	return collectBook(ctx, q, query, args)
}

func getLoan(ctx context.Context, q querier, loanUid string, lock bool) (model.Loan, error) {
	b := qb.Select(loanColumns...).
		From(loansTableName).
		Where(sq.Eq{"loan_uid": loanUid}).
		Limit(1)
	if lock {
		b = b.Suffix("for update")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	return collectLoan(ctx, q, query, args)
}

func collectBook(ctx context.Context, q querier, query string, args []any) (model.Book, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return model.Book{}, mapErr(err)
	}
	defer rows.Close()

	book, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Book])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Book{}, errs.ErrNotFound
		}
		return model.Book{}, mapErr(err)
	}
	return book, nil
}

func collectLoan(ctx context.Context, q querier, query string, args []any) (model.Loan, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return model.Loan{}, mapErr(err)
	}
	defer rows.Close()

	loan, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Loan])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Loan{}, errs.ErrNotFound
		}
		return model.Loan{}, mapErr(err)
	}
	return loan, nil
}

func bookFilter(b sq.SelectBuilder, filter model.BookFilter) sq.SelectBuilder {
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		b = b.Where(sq.Or{
			sq.ILike{"title": pattern},
			sq.ILike{"author": pattern},
			sq.ILike{"isbn": pattern},
		})
	}
	if filter.Genre != "" {
		b = b.Where(sq.Expr("lower(genre) = lower(?)", filter.Genre))
	}
	return b
}

func loanFilter(b sq.SelectBuilder, filter model.LoanFilter) sq.SelectBuilder {
	if filter.UserName != "" {
		b = b.Where(sq.Eq{"username": filter.UserName})
	}
	if filter.BookUid != "" {
		b = b.Where(sq.Eq{"book_uid": filter.BookUid})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": filter.Status})
	}
	if filter.DueBefore != nil {
		b = b.Where(sq.Lt{"due_date": *filter.DueBefore})
	}
	return b
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case openLoanIndex:
			return errs.ErrDuplicateLoan
		case isbnIndex:
			return errs.ErrDuplicateISBN
		}
	}
	return err
}
