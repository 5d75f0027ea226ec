package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestInternalAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	r := gin.New()
	r.Use(InternalAuthMiddleware("s3cr3t"))
	r.POST("/internal/reconcile", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/internal/reconcile", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestInternalAuthMiddlewareRejectsWrongToken(t *testing.T) {
	r := gin.New()
	r.Use(InternalAuthMiddleware("s3cr3t"))
	r.POST("/internal/reconcile", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestInternalAuthMiddlewareAcceptsCorrectToken(t *testing.T) {
	r := gin.New()
	r.Use(InternalAuthMiddleware("s3cr3t"))
	r.POST("/internal/reconcile", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
