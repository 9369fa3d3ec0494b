package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teaclinic/clinic/internal/domain/identity"
	"github.com/teaclinic/clinic/internal/platform/apperr"
	"github.com/teaclinic/clinic/internal/platform/audit"
	"github.com/teaclinic/clinic/internal/platform/auth"
)

type lookupFunc func(ctx context.Context, id uuid.UUID) (*identity.Clinician, error)

func (f lookupFunc) GetClinician(ctx context.Context, id uuid.UUID) (*identity.Clinician, error) {
	return f(ctx, id)
}

func newTestHandler(env *testEnv) (*Handler, *echo.Echo) {
	lookup := lookupFunc(func(_ context.Context, id uuid.UUID) (*identity.Clinician, error) {
		name, ok := env.repo.clinicians[id]
		if !ok {
			return nil, apperr.NotFound("clinician %s not found", id)
		}
		sp := env.repo.specialty[id]
		return &identity.Clinician{ID: id, Name: name, Role: identity.RoleClinician, Specialty: &sp, Active: true}, nil
	})
	return NewHandler(env.svc, lookup), echo.New()
}

func withCaller(req *http.Request, c identity.Caller) *http.Request {
	return req.WithContext(auth.ContextWithIdentity(req.Context(), c.ID.String(), []string{string(c.Role)}, c.Specialty))
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	return he.Code
}

func TestHandler_Pull_UsesSpecialtyOnRecord(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Psicologia")

	// The token claims a different specialty; the account record wins.
	caller := bia
	caller.Specialty = "Fonoaudiologia"
	rec := httptest.NewRecorder()
	c := e.NewContext(withCaller(httptest.NewRequest(http.MethodPost, "/", nil), caller), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	require.NoError(t, h.Pull(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "allocated", v["state"])
	assert.Equal(t, "Alocado", v["state_label"])
}

func TestHandler_Pull_Conflict(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Fonoaudiologia")

	c := e.NewContext(withCaller(httptest.NewRequest(http.MethodPost, "/", nil), bia), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, h.Pull(c)))
}

func TestHandler_Pull_DevUserForbidden(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	id := env.procedure(t, env.patient("Ana"), "Psicologia")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), "dev-user", []string{auth.RoleAdmin}, ""))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	assert.Equal(t, http.StatusForbidden, httpCode(t, h.Pull(c)))
}

func TestHandler_Release_MissingReason(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, bia.ID, "Psicologia")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(withCaller(req, bia), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.Release(c)))
}

func TestHandler_UpdateState(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, bia.ID, "Psicologia")
	require.NoError(t, err)

	for _, tc := range []struct {
		body string
		code int
	}{
		{`{"state":"done"}`, http.StatusBadRequest},
		{`{"state":"in_progress"}`, http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(withCaller(req, bia), rec)
		c.SetParamNames("id")
		c.SetParamValues(id.String())
		err := h.UpdateState(c)
		if tc.code == http.StatusOK {
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, tc.code, httpCode(t, err))
		}
	}
}

func stateRequestContext(e *echo.Echo, id uuid.UUID, caller identity.Caller, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(withCaller(req, caller), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c, rec
}

func TestHandler_DeactivatedAccountCannotChangeProcedure(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, bia.ID, "Psicologia")
	require.NoError(t, err)

	// Deactivated accounts drop out of the active lookup; the token is still valid.
	delete(env.repo.clinicians, bia.ID)

	c, _ := stateRequestContext(e, id, bia, `{"state":"completed"}`)
	assert.Equal(t, http.StatusNotFound, httpCode(t, h.UpdateState(c)))

	c, _ = stateRequestContext(e, id, bia, `{"reason":"leaving"}`)
	assert.Equal(t, http.StatusNotFound, httpCode(t, h.Release(c)))

	p := env.get(t, id)
	assert.Equal(t, StateAllocated, p.State)
	require.NotNil(t, p.ResponsibleID)
	assert.Equal(t, bia.ID, *p.ResponsibleID)
	assert.Equal(t, []string{audit.ActionProcedurePulled}, env.events.actions())
}

func TestHandler_RoleComesFromAccountRecord(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	caio := env.clinician("Caio", "Psicologia")
	id := env.procedure(t, env.patient("Ana"), "Psicologia")
	_, err := env.svc.Pull(context.Background(), id, bia.ID, "Psicologia")
	require.NoError(t, err)

	// Caio's token still says admin, but the account is a clinician now.
	stale := caio
	stale.Role = identity.RoleAdmin

	c, _ := stateRequestContext(e, id, stale, `{"state":"completed"}`)
	assert.Equal(t, http.StatusForbidden, httpCode(t, h.UpdateState(c)))

	c, _ = stateRequestContext(e, id, stale, `{"reason":"reassign"}`)
	assert.Equal(t, http.StatusForbidden, httpCode(t, h.Release(c)))

	assert.Equal(t, StateAllocated, env.get(t, id).State)
}

func TestHandler_Distribution(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	bia := env.clinician("Bia", "Psicologia")
	ana := env.patient("Ana")
	id := env.procedure(t, ana, "Psicologia")
	env.procedure(t, ana, "Fonoaudiologia")
	_, err := env.svc.Pull(context.Background(), id, bia.ID, "Psicologia")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c := e.NewContext(withCaller(httptest.NewRequest(http.MethodGet, "/?mine=1", nil), bia), rec)
	require.NoError(t, h.Distribution(c))
	var mine []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, id.String(), mine[0]["id"])

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?view=board", nil), rec)
	require.NoError(t, h.Distribution(c))
	var board []BoardColumn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	assert.Len(t, board, 2)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?state=closed", nil), httptest.NewRecorder())
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.Distribution(c)))

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?clinician_id=abc", nil), httptest.NewRecorder())
	assert.Equal(t, http.StatusBadRequest, httpCode(t, h.Distribution(c)))
}

func TestHandler_GetProcedure_NotFound(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	assert.Equal(t, http.StatusNotFound, httpCode(t, h.GetProcedure(c)))
}

func TestHandler_Stats(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	env.procedure(t, env.patient("Ana"), "Psicologia")

	rec := httptest.NewRecorder()
	require.NoError(t, h.StatsBySpecialty(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	var stats map[string]StateCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats["Psicologia"].Pending)

	rec = httptest.NewRecorder()
	require.NoError(t, h.StatsByClinician(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_StatsIncludeTotal(t *testing.T) {
	env := newTestEnv()
	h, e := newTestHandler(env)
	ana := env.patient("Ana")
	env.procedure(t, ana, "Psicologia")
	pulled := env.procedure(t, ana, "Psicologia")
	bia := env.clinician("Bia", "Psicologia")
	_, err := env.svc.Pull(context.Background(), pulled, bia.ID, bia.Specialty)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, h.StatsBySpecialty(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	assert.JSONEq(t,
		`{"Psicologia":{"pending":1,"allocated":1,"in_progress":0,"completed":0,"total":2}}`,
		rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, h.StatsByClinician(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)))
	var byClinician []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byClinician))
	require.Len(t, byClinician, 1)
	assert.EqualValues(t, 1, byClinician[0]["allocated"])
	assert.EqualValues(t, 1, byClinician[0]["total"])
}

