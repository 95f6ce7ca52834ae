package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := GenerateToken("driver-1", "driver")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DriverID != "driver-1" || claims.Role != "driver" {
		t.Fatalf("claims wrong: %+v", claims)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if _, err := ValidateToken("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestRequireAuthAcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	tok, _ := GenerateToken("driver-1", "driver")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token rejected: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token accepted: %d", rec.Code)
	}
}

func TestRequireRoleRejectsWrongRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handlerRan := false
	r := gin.New()
	r.POST("/x", RequireRole("driver"), func(c *gin.Context) {
		handlerRan = true
		c.String(http.StatusOK, "ok")
	})

	tok, _ := GenerateToken("cust-1", "customer")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong role accepted: %d", rec.Code)
	}
	// A valid token with the wrong role must be stopped before the endpoint,
	// not after its side effects.
	if handlerRan {
		t.Fatal("endpoint handler executed for wrong-role token")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || handlerRan {
		t.Fatalf("missing token: status %d, handlerRan %v", rec.Code, handlerRan)
	}
}
