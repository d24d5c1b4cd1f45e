package auth

import (
	"context"

	"github.com/pkg/errors"
)

const (
	XUserNameHeader = "X-User-Name"
	XUserRoleHeader = "X-User-Role"
)

type Role string

const (
	RoleBorrower  Role = "borrower"
	RoleLibrarian Role = "librarian"
)

func (r Role) Valid() bool {
	return r == RoleBorrower || r == RoleLibrarian
}

// Identity is the caller as reported by the access layer.
type Identity struct {
	UserName string
	Role     Role
}

func (i Identity) IsLibrarian() bool {
	return i.Role == RoleLibrarian
}

func (i Identity) Valid() bool {
	return i.UserName != "" && i.Role.Valid()
}

var ErrNoIdentity = errors.New("no identity")

type identityKey struct{}

func SetAuthContext(ctx context.Context, userName string, role Role) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserName: userName, Role: role})
}

func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || !id.Valid() {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func GetUserName(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return id.UserName, nil
}

func IsLibrarian(ctx context.Context) bool {
	id, err := FromContext(ctx)
	return err == nil && id.IsLibrarian()
}
