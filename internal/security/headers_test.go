package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/blocki/blocki/internal/auth"
)

func serve(mw gin.HandlerFunc, method, origin string, extra map[string]string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/listings", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.OPTIONS("/v1/listings", func(c *gin.Context) { c.String(http.StatusOK, "passthrough") })

	req := httptest.NewRequest(method, "/v1/listings", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(HeaderOptions{}), http.MethodGet, "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestHeadersMiddleware_HSTS(t *testing.T) {
	w := serve(HeadersMiddleware(HeaderOptions{HSTSMaxAge: 600}), http.MethodGet, "", nil)
	assert.Equal(t, "max-age=600; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredits bool
	}{
		{"listed origin", []string{"https://app.example"}, "https://app.example", "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", "", false},
		{"wildcard", []string{"*"}, "https://anything.example", "https://anything.example", false},
		{"empty list is open", nil, "https://anything.example", "https://anything.example", false},
		{"no origin header", []string{"*"}, "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin, nil)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tc.wantCredits {
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
			}
			if tc.wantOrigin != "" {
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
				assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Request-ID")
				// Preflight-only headers stay off simple requests.
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example",
		map[string]string{"Access-Control-Request-Method": http.MethodPost})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), auth.HeaderSignature)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), auth.HeaderTimestamp)
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestCORSPlainOptionsPassesThrough(t *testing.T) {
	w := serve(CORSMiddleware(nil), http.MethodOptions, "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "passthrough", w.Body.String())
}
