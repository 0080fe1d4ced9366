package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/registry", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"paused": false}) })
	r.POST("/v1/questions", func(c *gin.Context) { c.JSON(http.StatusCreated, gin.H{}) })
	return r
}

func do(r *gin.Engine, method, origin string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/questions", nil)
	if method == http.MethodGet {
		req = httptest.NewRequest(method, "/v1/registry", nil)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := do(newRouter(HeadersMiddleware()), http.MethodGet, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'",
		w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestCORS_SignedRequestPreflight(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"https://wallet.example"}))

	w := do(r, http.MethodOptions, "https://wallet.example", map[string]string{
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "content-type, x-magic8-address, x-magic8-timestamp, x-magic8-nonce, x-magic8-signature",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, "https://wallet.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t,
		"Content-Type, X-Request-ID, X-Magic8-Address, X-Magic8-Timestamp, X-Magic8-Nonce, X-Magic8-Signature",
		w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "X-Request-ID, Retry-After", w.Header().Get("Access-Control-Expose-Headers"))
	assert.Contains(t, w.Header().Values("Vary"), "Origin")
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"listed origin", []string{"https://wallet.example"}, "https://wallet.example", "https://wallet.example", true},
		{"unlisted origin", []string{"https://wallet.example"}, "https://evil.example", "", false},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example", false},
		{"empty list allows none", nil, "https://any.example", "", false},
		{"no origin header", []string{"*"}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newRouter(CORSMiddleware(tt.allowed)), http.MethodGet, tt.origin, nil)
			assert.Equal(t, http.StatusOK, w.Code, "simple requests always reach the handler")
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.wantOrigin != "" {
				assert.Equal(t, ExposedHeaders, w.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORS_PreflightFromUnlistedOrigin(t *testing.T) {
	r := newRouter(CORSMiddleware([]string{"https://wallet.example"}))

	w := do(r, http.MethodOptions, "https://evil.example", map[string]string{
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "origin_not_allowed")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORS_PreflightNeverReachesHandler(t *testing.T) {
	r := newRouter(CORSMiddleware(nil))
	w := do(r, http.MethodOptions, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
