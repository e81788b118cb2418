package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := NewMemStore()
	require.NoError(t, store.Set(ctx, colUsers, "u1", map[string]any{"username": "ada"}))
	require.NoError(t, store.Set(ctx, colUsers, "root", map[string]any{"isAdmin": true}))

	auth := NewAuthorizer(store, InsecureTokens{}, "boot")

	id, err := auth.Authenticate(ctx, "Bearer u1")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1"}, id)

	id, err = auth.Authenticate(ctx, "Bearer root")
	require.NoError(t, err)
	assert.True(t, id.Admin)

	// The super-user is privileged without a profile.
	id, err = auth.Authenticate(ctx, "Bearer boot")
	require.NoError(t, err)
	assert.True(t, id.Admin)

	// A token for an unknown user authenticates without privilege.
	id, err = auth.Authenticate(ctx, "Bearer stranger")
	require.NoError(t, err)
	assert.False(t, id.Admin)

	_, err = auth.Authenticate(ctx, "")
	assert.ErrorIs(t, err, errUnauthorized)
	_, err = auth.Authenticate(ctx, "Basic dXNlcg==")
	assert.ErrorIs(t, err, errUnauthorized)
}
