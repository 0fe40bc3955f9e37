package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, NotFound("x").Status)
	assert.Equal(t, http.StatusBadRequest, AlreadyExists("x").Status)
	assert.Equal(t, http.StatusUnauthorized, Unauthorized("x").Status)
	assert.Equal(t, http.StatusForbidden, Forbidden("x").Status)
	assert.Equal(t, http.StatusBadRequest, Invalid("x").Status)
	assert.Equal(t, http.StatusConflict, Conflict("x").Status)
	assert.Equal(t, http.StatusBadGateway, Upstream("db", errors.New("x")).Status)
	assert.Equal(t, http.StatusInternalServerError, Storage(errors.New("x")).Status)
	assert.Equal(t, http.StatusInternalServerError, Internal(errors.New("x")).Status)
}

func TestBody(t *testing.T) {
	body := NotFound("crate not found").Body()
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "crate not found", body.Errors[0].Detail)
}

func TestBody_CorrelationID(t *testing.T) {
	err := Internal(errors.New("boom"))
	require.NotEmpty(t, err.CorrelationID)

	body := err.Body()
	require.Len(t, body.Errors, 1)
	assert.Contains(t, body.Errors[0].Detail, err.CorrelationID)
}

func TestFrom(t *testing.T) {
	original := Forbidden("no")
	assert.Same(t, original, From(original))
	assert.Same(t, original, From(fmt.Errorf("wrapped: %w", original)))

	wrapped := From(errors.New("unknown"))
	assert.Equal(t, http.StatusInternalServerError, wrapped.Status)
	assert.NotEmpty(t, wrapped.CorrelationID)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	assert.ErrorIs(t, Storage(cause), cause)
}
