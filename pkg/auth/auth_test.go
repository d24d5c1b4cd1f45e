package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	_, err := FromContext(context.Background())
	require.ErrorIs(t, err, ErrNoIdentity)

	ctx := SetAuthContext(context.Background(), "", RoleBorrower)
	_, err = FromContext(ctx)
	require.ErrorIs(t, err, ErrNoIdentity)

	ctx = SetAuthContext(context.Background(), "lib", RoleLibrarian)
	id, err := FromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, Identity{UserName: "lib", Role: RoleLibrarian}, id)
	require.True(t, IsLibrarian(ctx))

	name, err := GetUserName(ctx)
	require.NoError(t, err)
	require.Equal(t, "lib", name)

	require.False(t, IsLibrarian(SetAuthContext(context.Background(), "alice", RoleBorrower)))
}
