package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetricsMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/conversation/:user_id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversation/:user_id", "200"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversation/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversation/:user_id", "200"))
	assert.Equal(t, before+1, after)
}

func TestDeliveryAndPresenceGauges(t *testing.T) {
	SetOnlineUsers(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(presenceOnlineUsers))

	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("receiveMessage", "dropped"))
	IncDelivery("receiveMessage", "dropped")
	assert.Equal(t, before+1, testutil.ToFloat64(deliveriesTotal.WithLabelValues("receiveMessage", "dropped")))
}

func TestIPFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.168.1.5:5555"
	assert.Equal(t, "192.168.1.5", IPFromRequest(req))
}
