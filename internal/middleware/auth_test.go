package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flowpilot/internal/config"

	"github.com/gin-gonic/gin"
)

func signToken(t *testing.T, payload map[string]any, secret string) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	body, _ := json.Marshal(payload)
	enc := base64.RawURLEncoding.EncodeToString
	signing := enc(header) + "." + enc(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + enc(mac.Sum(nil))
}

func authTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.JWT.Secret = secret
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	return r
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	r := authTestRouter("s3cret")
	token := signToken(t, map[string]any{
		"user_id": "u1",
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["user_id"] != "u1" {
		t.Fatalf("user_id = %q, want u1", resp["user_id"])
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	r := authTestRouter("s3cret")

	tests := []struct {
		name  string
		setup func(req *http.Request)
	}{
		{"missing header", func(*http.Request) {}},
		{"not bearer", func(req *http.Request) { req.Header.Set("Authorization", "Basic abc") }},
		{"garbage token", func(req *http.Request) { req.Header.Set("Authorization", "Bearer not.a.jwt") }},
		{"wrong secret", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signToken(t, map[string]any{"user_id": "u1"}, "other"))
		}},
		{"expired", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signToken(t, map[string]any{
				"user_id": "u1",
				"exp":     time.Now().Add(-time.Minute).Unix(),
			}, "s3cret"))
		}},
		{"not yet valid", func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+signToken(t, map[string]any{
				"user_id": "u1",
				"nbf":     time.Now().Add(time.Hour).Unix(),
			}, "s3cret"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestValidateHS256JWT_SubFallback(t *testing.T) {
	r := authTestRouter("s3cret")
	token := signToken(t, map[string]any{"sub": "admin"}, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["user_id"] != "admin" {
		t.Fatalf("user_id = %q, want sub fallback", resp["user_id"])
	}
}
