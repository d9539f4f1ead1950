package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_StatusAndWrap(t *testing.T) {
	nf := NotFound("workspace", "main")
	assert.True(t, IsNotFound(nf))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(nf))

	wrapped := Wrap(nf, "loading workspace")
	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.True(t, IsNotFound(wrapped))

	assert.Nil(t, Wrap(nil, "nothing"))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusTooManyRequests, GetHTTPStatus(QueueFull("busy")))
}

func TestWrap_SetupErrorIsBadRequest(t *testing.T) {
	err := fmt.Errorf("plan: %w", Setup("invalid folder %q", "../x"))
	appErr := Wrap(err, "mount plan")
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewRunError(KindSpawn, "exec failed", errors.New("enoent")))
	assert.Equal(t, KindSpawn, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "enoent")
}

func TestKind_Terminal(t *testing.T) {
	for _, k := range []Kind{KindSetup, KindSpawn, KindInputWrite, KindTimeout, KindExit} {
		assert.True(t, k.Terminal(), k)
	}
	for _, k := range []Kind{KindProtocolDecode, KindBufferOverflow, KindConsumerDelivery} {
		assert.False(t, k.Terminal(), k)
	}
}
