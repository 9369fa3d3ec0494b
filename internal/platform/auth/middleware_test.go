package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string, next echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, mw(next)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header, okHandler)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7c0e7a52-4b7a-4d43-9a57-3f3c8f5f3a10",
			Issuer:    "clinic",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:      RoleClinician,
		Specialty: "Fonoaudiologia",
	}, testSigningKey)

	var gotID, gotRole, gotSpecialty string
	next := func(c echo.Context) error {
		ctx := c.Request().Context()
		gotID = UserIDFromContext(ctx)
		gotRole = RoleFromContext(ctx)
		gotSpecialty = SpecialtyFromContext(ctx)
		return c.String(http.StatusOK, "ok")
	}

	rec, err := runMiddleware(t, JWTMiddleware(JWTConfig{Issuer: "clinic", SigningKey: testSigningKey}), "Bearer "+token, next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if gotID != "7c0e7a52-4b7a-4d43-9a57-3f3c8f5f3a10" || gotRole != RoleClinician || gotSpecialty != "Fonoaudiologia" {
		t.Errorf("unexpected identity %q/%q/%q", gotID, gotRole, gotSpecialty)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Role: RoleAdmin,
	}, testSigningKey)

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKeyOrIssuer(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleAdmin,
	}

	wrongKey := createTestToken(t, claims, []byte("another-secret-key-of-enough-length"))
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+wrongKey, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)

	wrongIssuer := createTestToken(t, claims, testSigningKey)
	_, err = runMiddleware(t, JWTMiddleware(JWTConfig{Issuer: "clinic", SigningKey: testSigningKey}), "Bearer "+wrongIssuer, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	var gotID string
	var gotRoles []string
	next := func(c echo.Context) error {
		gotID = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}

	if _, err := runMiddleware(t, DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey}), "", next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "dev-user" {
		t.Errorf("expected dev-user, got %q", gotID)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleAdmin {
		t.Errorf("expected [admin], got %v", gotRoles)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	_, err := runMiddleware(t, DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer garbage", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	cfg := JWTConfig{Issuer: "clinic", SigningKey: testSigningKey}
	issuer := NewTokenIssuer(cfg, time.Hour)

	token, exp, err := issuer.Issue("user-42", RoleCoordination, "")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expected future expiry, got %s", exp)
	}

	var gotRole string
	next := func(c echo.Context) error {
		gotRole = RoleFromContext(c.Request().Context())
		return nil
	}
	if _, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+token, next); err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if gotRole != RoleCoordination {
		t.Errorf("expected coordination, got %q", gotRole)
	}
}

func TestSkipPaths(t *testing.T) {
	e := echo.New()
	mw := SkipPaths(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/auth/login")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	if err := mw(okHandler)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("expected skipped path to pass, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	rec = httptest.NewRecorder()
	expectStatus(t, mw(okHandler)(e.NewContext(req, rec)), http.StatusUnauthorized)
}

func TestJWTMiddleware_WebsocketQueryToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7c0e7a52-4b7a-4d43-9a57-3f3c8f5f3a10",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RoleCoordination,
	}, testSigningKey)
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/live?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	if err := mw(okHandler)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Plain requests must not authenticate through the query string.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/patients?access_token="+token, nil)
	err := mw(okHandler)(e.NewContext(req, httptest.NewRecorder()))
	expectStatus(t, err, http.StatusUnauthorized)
}
