package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"portal-billing/internal/models"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newRouter(required string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/", Middleware(NewVerifier(testSecret, "portal")))
	if required != "" {
		group.Use(RequireRole(required))
	}
	group.GET("/whoami", func(c *gin.Context) {
		claims, _ := ClaimsFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user": claims.UserID, "role": claims.Role})
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token, err := Issue(testSecret, "portal", "user-1", "one@example.com", "", time.Hour)
	require.NoError(t, err)

	w := get(newRouter(""), token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"user-1","role":"user"}`, w.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	expired, err := Issue(testSecret, "portal", "user-1", "", "", -time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := Issue(testSecret, "elsewhere", "user-1", "", "", time.Hour)
	require.NoError(t, err)
	wrongSecret, err := Issue("other-secret", "portal", "user-1", "", "", time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "iss": "portal"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := map[string]string{
		"missing":      "",
		"garbage":      "not.a.jwt",
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"wrong secret": wrongSecret,
		"no expiry":    noExpiry,
	}
	r := newRouter("")
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, get(r, token).Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	user, _ := Issue(testSecret, "portal", "u", "", models.RoleUser, time.Hour)
	admin, _ := Issue(testSecret, "portal", "a", "", models.RoleAdmin, time.Hour)
	super, _ := Issue(testSecret, "portal", "s", "", models.RoleSuperAdmin, time.Hour)

	adminRouter := newRouter(models.RoleAdmin)
	assert.Equal(t, http.StatusForbidden, get(adminRouter, user).Code)
	assert.Equal(t, http.StatusOK, get(adminRouter, admin).Code)
	assert.Equal(t, http.StatusOK, get(adminRouter, super).Code)

	superRouter := newRouter(models.RoleSuperAdmin)
	assert.Equal(t, http.StatusForbidden, get(superRouter, admin).Code)
	assert.Equal(t, http.StatusOK, get(superRouter, super).Code)
}

func TestHasRole(t *testing.T) {
	assert.True(t, HasRole(models.RoleSuperAdmin, models.RoleUser))
	assert.False(t, HasRole("", models.RoleUser))
	assert.False(t, HasRole("unknown", models.RoleUser))
}
