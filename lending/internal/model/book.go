package model

import (
	"time"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/pkg/errors"
)

type Book struct {
	ID            int       `json:"-" db:"id"`
	BookUid       string    `json:"id" db:"book_uid"`
	ISBN          string    `json:"isbn" db:"isbn"`
	Title         string    `json:"title" db:"title"`
	Author        string    `json:"author" db:"author"`
	Genre         string    `json:"genre,omitempty" db:"genre"`
	PublishedYear *int      `json:"publishedYear,omitempty" db:"published_year"`
	Description   string    `json:"description,omitempty" db:"description"`
	Quantity      int       `json:"quantity" db:"quantity"`
	Available     int       `json:"available" db:"available"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Checkout takes one copy off the shelf.
func (b *Book) Checkout() error {
	if b.Available <= 0 {
		return errs.ErrUnavailable
	}
	b.Available--
	return nil
}

// Checkin puts one copy back, never above Quantity.
func (b *Book) Checkin() {
	b.Available++
	if b.Available > b.Quantity {
		b.Available = b.Quantity
	}
}

// Resize sets the owned copies. Copies already on loan cannot be removed.
func (b *Book) Resize(quantity, openLoans int) error {
	if quantity < 0 {
		return errors.Wrapf(errs.ErrInvalidArgument, "quantity %d is negative", quantity)
	}
	if quantity < openLoans {
		return errors.Wrapf(errs.ErrInvalidArgument, "quantity %d is below %d copies on loan", quantity, openLoans)
	}
	b.Quantity = quantity
	b.Available = quantity - openLoans
	return nil
}

// Apply copies the catalog attributes of req. Quantity is handled by Resize.
func (b *Book) Apply(req BookRequest) {
	b.ISBN = req.ISBN
	b.Title = req.Title
	b.Author = req.Author
	b.Genre = req.Genre
	b.PublishedYear = req.PublishedYear
	b.Description = req.Description
}
