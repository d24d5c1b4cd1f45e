package handler

import (
	"context"

	"github.com/Astemirdum/lending-service/lending/internal/model"
	"github.com/Astemirdum/lending-service/lending/internal/service"
	"github.com/Astemirdum/lending-service/pkg/auth"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

var _ LendingService = (*service.Service)(nil)

type LendingService interface {
	ListBooks(ctx context.Context, filter model.BookFilter) (model.ListBooks, error)
	GetBook(ctx context.Context, bookUid string) (model.Book, error)
	CreateBook(ctx context.Context, id auth.Identity, req model.BookRequest) (model.Book, error)
	UpdateBook(ctx context.Context, id auth.Identity, bookUid string, req model.BookRequest) (model.Book, error)
	AdjustQuantity(ctx context.Context, id auth.Identity, bookUid string, quantity int) (model.Book, error)
	DeleteBook(ctx context.Context, id auth.Identity, bookUid string) error

	Borrow(ctx context.Context, id auth.Identity, bookUid string) (model.Loan, error)
	Return(ctx context.Context, id auth.Identity, req model.ReturnRequest) (model.Loan, error)
	ListMyLoans(ctx context.Context, id auth.Identity, paging model.Paging) (model.ListLoans, error)
	ListLoans(ctx context.Context, id auth.Identity, status model.Status, paging model.Paging) (model.ListLoans, error)
	ListOverdue(ctx context.Context, id auth.Identity, paging model.Paging) (model.ListOverdue, error)
}
