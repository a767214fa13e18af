package cloud

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrapErrNormalizesProviderErrors tests that arbitrary errors become
// the facade's single error kind
func TestWrapErrNormalizesProviderErrors(t *testing.T) {
	raw := errors.New("connection refused")
	err := wrapErr("CreateVolume", raw)

	var facadeErr *Error
	require.ErrorAs(t, err, &facadeErr)
	assert.Equal(t, "CreateVolume", facadeErr.Op)
	assert.Equal(t, "connection refused", facadeErr.Message)
	assert.ErrorIs(t, err, raw)
	assert.False(t, IsNotFound(err))
}

// TestWrapErrPreservesNotFound tests that the distinguished not-found
// condition survives normalization
func TestWrapErrPreservesNotFound(t *testing.T) {
	nf := &NotFoundError{Resource: "volume", ID: "vol-1"}
	err := wrapErr("GetVolume", nf)

	assert.True(t, IsNotFound(err))

	// Also through another wrapping layer.
	wrapped := fmt.Errorf("poll: %w", err)
	assert.True(t, IsNotFound(wrapped))

	var facadeErr *Error
	assert.False(t, errors.As(err, &facadeErr),
		"not-found must not be flattened into the generic error kind")
}

// TestWrapErrNil tests the nil passthrough
func TestWrapErrNil(t *testing.T) {
	assert.NoError(t, wrapErr("ListVolumes", nil))
}

// TestIsNotFoundOnOtherErrors tests that unrelated errors do not read as
// absence
func TestIsNotFoundOnOtherErrors(t *testing.T) {
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(errors.New("timeout")))
	assert.False(t, IsNotFound(&Error{Op: "GetServer", Message: "500"}))
}
