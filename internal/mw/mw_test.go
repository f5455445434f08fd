package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSameHost(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"http://localhost:8080", "localhost:8080", true},
		{"http://localhost:3000", "localhost:8080", false},
		{"https://chat.example.com", "chat.example.com", true},
		{"not a url", "chat.example.com", false},
		{"", "chat.example.com", false},
	}
	for _, tt := range tests {
		if got := sameHost(tt.origin, tt.host); got != tt.want {
			t.Errorf("sameHost(%q, %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		method    string
		origin    string
		wantAllow string
		wantCode  int
	}{
		{"dev allows any origin", "dev", http.MethodGet, "http://other:3000", "http://other:3000", http.StatusOK},
		{"prod rejects foreign origin", "prod", http.MethodGet, "http://other:3000", "", http.StatusOK},
		{"prod allows same host", "prod", http.MethodGet, "http://example.com", "http://example.com", http.StatusOK},
		{"preflight short-circuits", "dev", http.MethodOptions, "http://other:3000", "http://other:3000", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env))
			r.Any("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(tt.method, "http://example.com/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestKeyedLimiter(t *testing.T) {
	kl := NewKeyedLimiter(rate.Every(time.Hour), 2, time.Minute)
	defer kl.Stop()

	assert.True(t, kl.Allow("a"))
	assert.True(t, kl.Allow("a"))
	assert.False(t, kl.Allow("a"))
	assert.True(t, kl.Allow("b"), "keys have independent buckets")
	assert.Equal(t, 2, kl.Len())

	base := time.Now()
	kl.now = func() time.Time { return base.Add(2 * time.Minute) }
	kl.sweep()
	assert.Equal(t, 0, kl.Len())

	kl.Stop()
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(rate.Every(time.Hour), 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
