package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	original := errors.New("original error")
	err := WrapError(original, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.Same(t, original, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.True(t, errors.Is(err, original))
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidStateError("session is not live")
	err.WithContext("state", "ended").WithContext("attempts", 3)

	assert.Equal(t, "ended", err.Context["state"])
	assert.Equal(t, 3, err.Context["attempts"])
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
}

func TestGetAppError(t *testing.T) {
	appErr := NewNotFoundError("session")
	wrapped := fmt.Errorf("handler: %w", appErr)

	assert.Same(t, appErr, GetAppError(wrapped))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}
