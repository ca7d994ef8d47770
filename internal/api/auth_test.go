package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.True(t, verifyPassword(hash, "hunter22"))
	assert.False(t, verifyPassword(hash, "wrong"))
	assert.False(t, verifyPassword("not-a-hash", "hunter22"))
}

func TestJwtRoundTrip(t *testing.T) {
	app, _ := newTestApp(t, nil)

	token, err := app.createJwtForSession(42, time.Hour)
	require.NoError(t, err)

	userId, err := app.extractUserIdFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, userId)
}

func TestExtractUserIdFromToken(t *testing.T) {
	app, _ := newTestApp(t, nil)

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := app.createJwtForSession(42, -time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("token signed with another key is rejected", func(t *testing.T) {
		other, _ := newTestApp(t, nil)
		other.signingKey = []byte("some-other-secret")

		token, err := other.createJwtForSession(42, time.Hour)
		require.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := app.extractUserIdFromToken("garbage")
		assert.Error(t, err)
	})
}

func TestUserIdContext(t *testing.T) {
	ctx := context.Background()

	_, ok := UserId(ctx)
	assert.False(t, ok, "expected no user id on a bare context")

	ctx = WithUserId(ctx, 7)
	userId, ok := UserId(ctx)
	assert.True(t, ok)
	assert.Equal(t, 7, userId)
}
