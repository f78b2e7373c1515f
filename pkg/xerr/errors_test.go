package xerr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromError_UnwrapsCodeError(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewErrCode(UnknownInstrument))
	ce := FromError(err)
	assert.Equal(t, UnknownInstrument, ce.Code)
	assert.Equal(t, "unknown instrument", ce.Msg)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ce.Code))
}

func TestFromError_PlainError(t *testing.T) {
	ce := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ServerCommonError, ce.Code)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ce.Code))
}
