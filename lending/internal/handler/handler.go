package handler

import (
	"net/http"
	"strconv"

	"github.com/Astemirdum/lending-service/lending/internal/errs"
	"github.com/Astemirdum/lending-service/lending/internal/model"
	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/Astemirdum/lending-service/pkg/jsonx"
	md "github.com/Astemirdum/lending-service/pkg/middleware"
	"github.com/Astemirdum/lending-service/pkg/validate"
	_ "github.com/Astemirdum/lending-service/swagger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/zap"
)

type Handler struct {
	lendingSvc LendingService
	authMW     echo.MiddlewareFunc
	log        *zap.Logger
}

type Option func(h *Handler)

// WithAuth sets the middleware that resolves the caller identity.
func WithAuth(mw echo.MiddlewareFunc) Option {
	return func(h *Handler) {
		if mw != nil {
			h.authMW = mw
		}
	}
}

func New(lendingSvc LendingService, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		lendingSvc: lendingSvc,
		authMW:     md.AuthContext,
		log:        log.Named("handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
		AllowCredentials: true,
	}))

	base := e.Group("", md.NewRateLimiter(baseRPS))
	base.GET("/manage/health", h.Health)
	base.GET("/swagger/*", echoSwagger.WrapHandler)

	e.Validator = validate.NewCustomValidator()
	e.JSONSerializer = jsonx.Serializer{}

	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(md.RequestLoggerConfig(h.log)),
		middleware.RequestID(),
		md.NewRateLimiter(apiRPS),
	)
	h.Register(api)

	return e
}

// Register mounts the catalog and lending routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/books", h.ListBooks)
	g.GET("/books/:bookUid", h.GetBook)

	private := g.Group("", h.authMW)
	private.POST("/books", h.CreateBook)
	private.PUT("/books/:bookUid", h.UpdateBook)
	private.PATCH("/books/:bookUid/quantity", h.AdjustQuantity)
	private.DELETE("/books/:bookUid", h.DeleteBook)

	private.POST("/borrow", h.Borrow)
	private.POST("/borrow/return", h.Return)
	private.GET("/borrow/my-books", h.MyBooks)
	private.GET("/borrow/all", h.AllLoans)
	private.GET("/borrow/overdue", h.Overdue)
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// ListBooks godoc
// @Summary      List catalog books
// @Tags         books
// @Produce      json
// @Param        search query string false "title, author or isbn fragment"
// @Param        genre  query string false "genre"
// @Param        page   query int    false "page"
// @Param        size   query int    false "page size"
// @Success      200 {object} model.ListBooks
// @Failure      400 {object} echo.HTTPError
// @Router       /books [get]
func (h *Handler) ListBooks(c echo.Context) error {
	paging, err := pagingParams(c)
	if err != nil {
		return err
	}
	books, err := h.lendingSvc.ListBooks(c.Request().Context(), model.BookFilter{
		Search: c.QueryParam("search"),
		Genre:  c.QueryParam("genre"),
		Paging: paging,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, books)
}

// GetBook godoc
// @Summary      Get a book
// @Tags         books
// @Produce      json
// @Param        bookUid path string true "book id"
// @Success      200 {object} model.Book
// @Failure      404 {object} echo.HTTPError
// @Router       /books/{bookUid} [get]
func (h *Handler) GetBook(c echo.Context) error {
	book, err := h.lendingSvc.GetBook(c.Request().Context(), c.Param("bookUid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

// CreateBook godoc
// @Summary      Add a book to the catalog
// @Tags         books
// @Accept       json
// @Produce      json
// @Param        X-User-Name header string true "user name"
// @Param        X-User-Role header string true "librarian"
// @Param        book body model.BookRequest true "book"
// @Success      201 {object} model.Book
// @Failure      400,403,409 {object} echo.HTTPError
// @Router       /books [post]
func (h *Handler) CreateBook(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req model.BookRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	book, err := h.lendingSvc.CreateBook(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, book)
}

// UpdateBook godoc
// @Summary      Replace book attributes
// @Tags         books
// @Accept       json
// @Produce      json
// @Param        bookUid path string true "book id"
// @Param        book body model.BookRequest true "book"
// @Success      200 {object} model.Book
// @Failure      400,403,404,409 {object} echo.HTTPError
// @Router       /books/{bookUid} [put]
func (h *Handler) UpdateBook(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req model.BookRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	book, err := h.lendingSvc.UpdateBook(c.Request().Context(), id, c.Param("bookUid"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

// AdjustQuantity godoc
// @Summary      Change the number of owned copies
// @Tags         books
// @Accept       json
// @Produce      json
// @Param        bookUid path string true "book id"
// @Param        quantity body model.QuantityRequest true "quantity"
// @Success      200 {object} model.Book
// @Failure      400,403,404 {object} echo.HTTPError
// @Router       /books/{bookUid}/quantity [patch]
func (h *Handler) AdjustQuantity(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req model.QuantityRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	book, err := h.lendingSvc.AdjustQuantity(c.Request().Context(), id, c.Param("bookUid"), *req.Quantity)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

// DeleteBook godoc
// @Summary      Remove a book without open loans
// @Tags         books
// @Param        bookUid path string true "book id"
// @Success      204
// @Failure      403,404,409 {object} echo.HTTPError
// @Router       /books/{bookUid} [delete]
func (h *Handler) DeleteBook(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	if err := h.lendingSvc.DeleteBook(c.Request().Context(), id, c.Param("bookUid")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Borrow godoc
// @Summary      Borrow a copy
// @Tags         borrow
// @Accept       json
// @Produce      json
// @Param        X-User-Name header string true "user name"
// @Param        req body model.BorrowRequest true "book"
// @Success      201 {object} model.Loan
// @Failure      400,404,409 {object} echo.HTTPError
// @Router       /borrow [post]
func (h *Handler) Borrow(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req model.BorrowRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	loan, err := h.lendingSvc.Borrow(c.Request().Context(), id, req.BookUid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, loan)
}

// Return godoc
// @Summary      Return a borrowed copy by loan or by book
// @Tags         borrow
// @Accept       json
// @Produce      json
// @Param        req body model.ReturnRequest true "loan or book"
// @Success      200 {object} model.Loan
// @Failure      400,404,409 {object} echo.HTTPError
// @Router       /borrow/return [post]
func (h *Handler) Return(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req model.ReturnRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	loan, err := h.lendingSvc.Return(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

// MyBooks godoc
// @Summary      Caller's open loans, soonest due first
// @Tags         borrow
// @Produce      json
// @Param        page query int false "page"
// @Param        size query int false "page size"
// @Success      200 {object} model.ListLoans
// @Router       /borrow/my-books [get]
func (h *Handler) MyBooks(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	paging, err := pagingParams(c)
	if err != nil {
		return err
	}
	loans, err := h.lendingSvc.ListMyLoans(c.Request().Context(), id, paging)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loans)
}

// AllLoans godoc
// @Summary      All loans
// @Tags         borrow
// @Produce      json
// @Param        status query string false "borrowed or returned"
// @Param        page   query int    false "page"
// @Param        size   query int    false "page size"
// @Success      200 {object} model.ListLoans
// @Failure      400,403 {object} echo.HTTPError
// @Router       /borrow/all [get]
func (h *Handler) AllLoans(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	paging, err := pagingParams(c)
	if err != nil {
		return err
	}
	status := model.Status(c.QueryParam("status"))
	loans, err := h.lendingSvc.ListLoans(c.Request().Context(), id, status, paging)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loans)
}

// Overdue godoc
// @Summary      Open loans past their due date
// @Tags         borrow
// @Produce      json
// @Param        page query int false "page"
// @Param        size query int false "page size"
// @Success      200 {object} model.ListOverdue
// @Failure      403 {object} echo.HTTPError
// @Router       /borrow/overdue [get]
func (h *Handler) Overdue(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	paging, err := pagingParams(c)
	if err != nil {
		return err
	}
	loans, err := h.lendingSvc.ListOverdue(c.Request().Context(), id, paging)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loans)
}

func identity(c echo.Context) (auth.Identity, error) {
	id, err := auth.FromContext(c.Request().Context())
	if err != nil {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return id, nil
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func pagingParams(c echo.Context) (model.Paging, error) {
	var (
		err  error
		page int
		size int
	)
	if pageParam := c.QueryParam("page"); pageParam != "" {
		if page, err = strconv.Atoi(pageParam); err != nil {
			return model.Paging{}, echo.NewHTTPError(http.StatusBadRequest, "page is invalid")
		}
	}
	if sizeParam := c.QueryParam("size"); sizeParam != "" {
		if size, err = strconv.Atoi(sizeParam); err != nil {
			return model.Paging{}, echo.NewHTTPError(http.StatusBadRequest, "size is invalid")
		}
	}
	return model.NewPaging(page, size), nil
}

func httpError(err error) *echo.HTTPError {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errs.ErrUnavailable),
		errors.Is(err, errs.ErrDuplicateLoan),
		errors.Is(err, errs.ErrAlreadyReturned),
		errors.Is(err, errs.ErrDuplicateISBN),
		errors.Is(err, errs.ErrBookOnLoan):
		code = http.StatusConflict
	case errors.Is(err, errs.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, errs.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, errs.ErrInvalidArgument):
		code = http.StatusBadRequest
	}
	return echo.NewHTTPError(code, err.Error())
}
