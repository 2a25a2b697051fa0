package system

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	require.NoError(t, MountRoutes(r, nil))

	get := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	require.Equal(t, http.StatusOK, get("/health"))
	MarkNotReady()
	require.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	MarkReady()
	require.Equal(t, http.StatusOK, get("/ready"))
	require.Equal(t, http.StatusOK, get("/metrics"))
}
