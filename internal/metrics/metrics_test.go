package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestCountersRecordByLabel(t *testing.T) {
	recorder := New()

	recorder.ObserveCredentialValidation("valid")
	recorder.ObserveCredentialValidation("valid")
	recorder.ObserveImport("imported")
	recorder.ObserveExternalLookup("by_email", "hit")
	recorder.ObserveBridgeRequest("success")
	recorder.ObserveTokenRequest("password", "success")

	body := scrape(t, recorder)
	for _, series := range []string{
		`fedbridge_credential_validations_total{result="valid"} 2`,
		`fedbridge_imports_total{outcome="imported"} 1`,
		`fedbridge_external_lookups_total{operation="by_email",result="hit"} 1`,
		`fedbridge_bridge_requests_total{outcome="success"} 1`,
		`fedbridge_token_requests_total{grant_type="password",result="success"} 1`,
	} {
		require.Contains(t, body, series)
	}
}

func scrape(t *testing.T, recorder *Metrics) string {
	t.Helper()
	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, response.Code)
	return response.Body.String()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var recorder *Metrics

	require.NotPanics(t, func() {
		recorder.ObserveCredentialValidation("valid")
		recorder.ObserveImport("imported")
		recorder.ObserveExternalLookup("all", "miss")
		recorder.ObserveBridgeRequest("success")
		recorder.ObserveTokenRequest("password", "success")
	})
	require.Nil(t, recorder.Registry())
}

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := New()
	router := gin.New()
	router.Use(recorder.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(recorder.Handler()))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	recorder.ObserveImport("raced")

	response := httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, response.Code)
	body := response.Body.String()
	require.True(t, strings.Contains(body, `fedbridge_imports_total{outcome="raced"} 1`), body)
	require.True(t, strings.Contains(body, `fedbridge_http_requests_total{method="GET",route="/ping",status="204"} 1`), body)
}
