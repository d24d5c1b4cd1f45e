package model

import (
	"time"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Paging struct {
	Page          int `json:"page"`
	PageSize      int `json:"pageSize"`
	TotalElements int `json:"totalElements"`
}

func NewPaging(page, size int) Paging {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Paging{Page: page, PageSize: size}
}

func (p Paging) Offset() int {
	return (p.Page - 1) * p.PageSize
}

type ListBooks struct {
	Paging `json:",inline"`
	Items  []Book `json:"books"`
}

type ListLoans struct {
	Paging `json:",inline"`
	Items  []Loan `json:"borrows"`
}

type ListOverdue struct {
	Paging `json:",inline"`
	Items  []Loan `json:"overdueBooks"`
}

type BookFilter struct {
	Search string
	Genre  string
	Paging Paging
}

type LoanFilter struct {
	UserName string
	BookUid  string
	Status   Status
	// DueBefore keeps only loans with due_date < DueBefore.
	DueBefore *time.Time
	Paging    Paging
}

type BookRequest struct {
	ISBN          string `json:"isbn" validate:"required,max=32"`
	Title         string `json:"title" validate:"required,max=255"`
	Author        string `json:"author" validate:"required,max=255"`
	Genre         string `json:"genre" validate:"max=255"`
	PublishedYear *int   `json:"publishedYear" validate:"omitempty,gte=0,lte=9999"`
	Description   string `json:"description"`
	Quantity      *int   `json:"quantity" validate:"required,gte=0"`
}

type QuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required"`
}

type BorrowRequest struct {
	BookUid string `json:"bookId" validate:"required"`
}

// ReturnRequest identifies the loan either directly or by the borrowed book.
type ReturnRequest struct {
	BookUid string `json:"bookId" validate:"required_without=LoanUid"`
	LoanUid string `json:"loanId" validate:"required_without=BookUid"`
}
