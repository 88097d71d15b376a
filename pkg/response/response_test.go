package response

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, "chat not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	info := ReadError(rec.Code, rec.Body)
	assert.Equal(t, "NOT_FOUND", info.Code)
	assert.Equal(t, "chat not found", info.Message)
}

func TestReadErrorFallsBackToStatusText(t *testing.T) {
	info := ReadError(http.StatusBadGateway, strings.NewReader("<html>bad gateway</html>"))

	assert.Equal(t, "INTERNAL_ERROR", info.Code)
	assert.Equal(t, http.StatusText(http.StatusBadGateway), info.Message)
}
