package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsThroughWrapping(t *testing.T) {
	err := ErrPersistence.WrapMsg("insert message", "chat", "c1")
	wrapped := fmt.Errorf("send: %w", err)

	assert.True(t, errors.Is(wrapped, ErrPersistence))
	assert.False(t, errors.Is(wrapped, ErrUnauthenticated))

	ce, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, PersistenceError, ce.Code)
	assert.Equal(t, "insert message, chat=c1", ce.Detail)
	assert.Equal(t, "persistence_failed", ce.Reason())
}

func TestCodeRelationParents(t *testing.T) {
	err := ErrTokenExpired.Wrap()
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	assert.True(t, errors.Is(err, ErrTokenExpired))
	assert.False(t, errors.Is(ErrUnauthenticated.Wrap(), ErrTokenExpired))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(TokenExpiredError))
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	a := ErrArgs.WithDetail("chatId")
	b := a.WithDetail("text")
	assert.Equal(t, "", ErrArgs.Detail)
	assert.Equal(t, "chatId", a.Detail)
	assert.Equal(t, "chatId, text", b.Detail)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))
	ce := FromError(errors.New("boom"))
	assert.Equal(t, ServerInternalError, ce.Code)
	assert.Equal(t, "boom", ce.Detail)
	assert.Equal(t, NoPermissionError, FromError(ErrNoPermission.Wrap()).Code)
}

func TestErrPanic(t *testing.T) {
	assert.Nil(t, ErrPanic(nil))
	err := ErrPanic("kaboom")
	ce, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "kaboom", ce.Detail)
}
