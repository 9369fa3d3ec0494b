package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teaclinic/clinic/internal/platform/auth"
)

var testJWT = auth.JWTConfig{Issuer: "clinic", SigningKey: []byte("0123456789abcdef0123456789abcdef")}

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc, auth.NewTokenIssuer(testJWT, time.Hour))
	e := echo.New()
	return h, e
}

func asCaller(req *http.Request, c Caller) *http.Request {
	ctx := auth.ContextWithIdentity(req.Context(), c.ID.String(), []string{string(c.Role)}, c.Specialty)
	return req.WithContext(ctx)
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	return he.Code
}

// -- Patients --

func TestHandler_CreatePatient(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Ana Souza","cpf":"529.982.247-25","birth_date":"1990-06-15","phone":"11987654321"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, body), admin), rec)
	require.NoError(t, h.CreatePatient(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "529.982.247-25", view["cpf_formatted"])
	assert.Equal(t, "(11) 98765-4321", view["phone_formatted"])
}

func TestHandler_CreatePatient_InvalidCPF(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Ana","cpf":"123","birth_date":"1990-06-15"}`
	c := e.NewContext(jsonRequest(http.MethodPost, body), httptest.NewRecorder())
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.CreatePatient(c)))
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler()
	p, err := h.svc.CreatePatient(context.Background(), PatientInput{Name: "Ana", CPF: "52998224725", BirthDate: "1990-01-01"}, admin)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	require.NoError(t, h.GetPatient(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, httpCode(t, h.GetPatient(c)))
}

func TestHandler_GetPatient_BadID(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.GetPatient(c)))
}

func TestHandler_SearchPatients(t *testing.T) {
	h, e := newTestHandler()
	_, err := h.svc.CreatePatient(context.Background(), PatientInput{Name: "Ana", CPF: "52998224725", BirthDate: "1990-01-01"}, admin)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?q=ana&limit=5", nil), rec)
	require.NoError(t, h.SearchPatients(c))

	var resp struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
		Limit int                      `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 5, resp.Limit)
	assert.Len(t, resp.Data, 1)
}

// -- Clinicians and login --

func TestHandler_CreateClinician_HidesHash(t *testing.T) {
	h, e := newTestHandler()
	body := `{"name":"Bia","email":"bia@clinic.org","password":"secret123","role":"clinician","specialty":"Fisioterapia"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(asCaller(jsonRequest(http.MethodPost, body), admin), rec)
	require.NoError(t, h.CreateClinician(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestHandler_Login(t *testing.T) {
	h, e := newTestHandler()
	createClinician(t, h.svc, "bia@clinic.org", RoleClinician, "Fisioterapia")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"email":"bia@clinic.org","password":"secret123"}`), rec)
	require.NoError(t, h.Login(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	// The issued token must pass the JWT middleware with role and specialty intact.
	protected := auth.JWTMiddleware(testJWT)(func(c echo.Context) error {
		ctx := c.Request().Context()
		assert.Equal(t, auth.RoleClinician, auth.RoleFromContext(ctx))
		assert.Equal(t, "Fisioterapia", auth.SpecialtyFromContext(ctx))
		return c.NoContent(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec2 := httptest.NewRecorder()
	require.NoError(t, protected(e.NewContext(req, rec2)))
	assert.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestHandler_Login_WrongPassword(t *testing.T) {
	h, e := newTestHandler()
	createClinician(t, h.svc, "bia@clinic.org", RoleClinician, "Fisioterapia")
	c := e.NewContext(jsonRequest(http.MethodPost, `{"email":"bia@clinic.org","password":"nope"}`), httptest.NewRecorder())
	assert.Equal(t, http.StatusUnauthorized, httpCode(t, h.Login(c)))
}

func TestHandler_Me(t *testing.T) {
	h, e := newTestHandler()
	cl := createClinician(t, h.svc, "bia@clinic.org", RoleClinician, "Fisioterapia")

	rec := httptest.NewRecorder()
	req := asCaller(httptest.NewRequest(http.MethodGet, "/", nil), Caller{ID: cl.ID, Role: RoleClinician, Specialty: "Fisioterapia"})
	require.NoError(t, h.Me(e.NewContext(req, rec)))
	assert.Contains(t, rec.Body.String(), "bia@clinic.org")

	devReq := httptest.NewRequest(http.MethodGet, "/", nil)
	devReq = devReq.WithContext(auth.ContextWithIdentity(devReq.Context(), "dev-user", []string{auth.RoleAdmin}, ""))
	assert.Equal(t, http.StatusUnauthorized, httpCode(t, h.Me(e.NewContext(devReq, httptest.NewRecorder()))))
}

func TestHandler_DeactivateSelf(t *testing.T) {
	h, e := newTestHandler()
	cl := createClinician(t, h.svc, "root@clinic.org", RoleAdmin, "")
	req := asCaller(httptest.NewRequest(http.MethodPost, "/", nil), Caller{ID: cl.ID, Role: RoleAdmin})
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, h.DeactivateClinician(c)))
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST:/api/v1/auth/login":                false,
		"GET:/api/v1/patients":                   false,
		"POST:/api/v1/patients":                  false,
		"GET:/api/v1/patients/:id":               false,
		"PUT:/api/v1/patients/:id":               false,
		"GET:/api/v1/clinicians":                 false,
		"POST:/api/v1/clinicians":                false,
		"PUT:/api/v1/clinicians/:id":             false,
		"POST:/api/v1/clinicians/:id/deactivate": false,
		"POST:/api/v1/me/password":               false,
	}
	for _, r := range e.Routes() {
		key := r.Method + ":" + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "missing route %s", route)
	}
}
