package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := E(NotFound, "camera %s not found", "c1")
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "NotFound: camera c1 not found", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, NotFound))
	assert.False(t, IsKind(wrapped, Conflict))
}

func TestWrap(t *testing.T) {
	require.Nil(t, Wrap(StoreUnavailable, nil, "no-op"))

	cause := errors.New("database is locked")
	err := Wrap(StoreUnavailable, cause, "insert recording")
	assert.Equal(t, StoreUnavailable, KindOf(err))
	assert.ErrorContains(t, err, "database is locked")
}

func TestUnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}
