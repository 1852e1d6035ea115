package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeMiddleware(16))
	router.POST("/test", func(c *gin.Context) {
		var body [64]byte
		if _, err := c.Request.Body.Read(body[:]); err != nil && err.Error() == "http: request body too large" {
			c.String(http.StatusRequestEntityTooLarge, "too large")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", 100)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"  Corner Cafe  ", 64, "Corner Cafe"},
		{"abc\x00def", 64, "abcdef"},
		{"toolongtoolong", 4, "tool"},
		{"", 64, ""},
	}
	for _, tc := range tests {
		if got := SanitizeString(tc.in, tc.max); got != tc.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	valid := []string{"0f", "DEADbeef", "1234567890abcdef"}
	for _, s := range valid {
		if !IsValidHex(s) {
			t.Errorf("IsValidHex(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "0x12", "xyz", "12 34"}
	for _, s := range invalid {
		if IsValidHex(s) {
			t.Errorf("IsValidHex(%q) = true, want false", s)
		}
	}
}
