package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"formsync/internal/models"
	"formsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollab struct {
	users map[string][]models.UserPresence
	locks map[string][]models.FieldLock
	conns int
}

func (f *fakeCollab) Presence(documentID string) []models.UserPresence {
	if u, ok := f.users[documentID]; ok {
		return u
	}
	return []models.UserPresence{}
}

func (f *fakeCollab) Locks(documentID string) []models.FieldLock {
	return f.locks[documentID]
}

func (f *fakeCollab) ConnectionCount() int { return f.conns }

type fakeStore struct {
	values map[string]map[string]json.RawMessage
	err    error
}

func (f *fakeStore) GetValues(ctx context.Context, formID string) (map[string]json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[formID]
	if !ok {
		return nil, repository.ErrResponseNotFound
	}
	return v, nil
}

func (f *fakeStore) Delete(ctx context.Context, formID string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.values[formID]; !ok {
		return repository.ErrResponseNotFound
	}
	delete(f.values, formID)
	return nil
}

func allowOnly(origin string) func(string) bool {
	return func(o string) bool { return o == origin }
}

func serve(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := SetupRoutes(NewHandler(&fakeCollab{conns: 3}, nil, nil), allowOnly(""))

	rec := serve(t, router, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":3}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetPresenceAndLocks(t *testing.T) {
	name := "Ann"
	acquired := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	collab := &fakeCollab{
		users: map[string][]models.UserPresence{
			"form-1": {{ID: "ann", Name: &name}, {ID: "bob"}},
		},
		locks: map[string][]models.FieldLock{
			"form-1": {{DocumentID: "form-1", FieldID: "email", HolderUserID: "ann", HolderName: "Ann", AcquiredAt: acquired}},
		},
	}
	router := SetupRoutes(NewHandler(collab, nil, nil), allowOnly(""))

	rec := serve(t, router, http.MethodGet, "/api/forms/form-1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":"form-1","users":[
		{"id":"ann","name":"Ann","email":null},
		{"id":"bob","name":null,"email":null}
	]}`, rec.Body.String())

	rec = serve(t, router, http.MethodGet, "/api/forms/form-1/locks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":"form-1","locks":[
		{"fieldId":"email","userId":"ann","userName":"Ann","acquiredAt":"2024-03-01T09:00:00Z"}
	]}`, rec.Body.String())

	rec = serve(t, router, http.MethodGet, "/api/forms/empty/locks")
	assert.JSONEq(t, `{"documentId":"empty","locks":[]}`, rec.Body.String())

	rec = serve(t, router, http.MethodGet, "/api/forms/empty/presence")
	assert.JSONEq(t, `{"documentId":"empty","users":[]}`, rec.Body.String())
}

func TestGetResponse(t *testing.T) {
	store := &fakeStore{values: map[string]map[string]json.RawMessage{
		"form-1": {"name": json.RawMessage(`"Ann"`), "tags": json.RawMessage(`["a"]`)},
	}}
	router := SetupRoutes(NewHandler(&fakeCollab{}, store, nil), allowOnly(""))

	rec := serve(t, router, http.MethodGet, "/api/forms/form-1/response")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documentId":"form-1","values":{"name":"Ann","tags":["a"]}}`, rec.Body.String())

	rec = serve(t, router, http.MethodGet, "/api/forms/missing/response")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.err = errors.New("connection refused")
	rec = serve(t, router, http.MethodGet, "/api/forms/form-1/response")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestDeleteResponse(t *testing.T) {
	store := &fakeStore{values: map[string]map[string]json.RawMessage{
		"form-1": {"name": json.RawMessage(`"Ann"`)},
	}}
	router := SetupRoutes(NewHandler(&fakeCollab{}, store, nil), allowOnly(""))

	rec := serve(t, router, http.MethodDelete, "/api/forms/form-1/response")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, router, http.MethodDelete, "/api/forms/form-1/response")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponseWithoutPersistence(t *testing.T) {
	router := SetupRoutes(NewHandler(&fakeCollab{}, nil, nil), allowOnly(""))

	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodGet, "/api/forms/form-1/response").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodDelete, "/api/forms/form-1/response").Code)
}

func TestWebSocketRouteWithoutHandler(t *testing.T) {
	router := SetupRoutes(NewHandler(&fakeCollab{}, nil, nil), allowOnly(""))
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, router, http.MethodGet, "/ws").Code)
}

func TestWebSocketRouteDelegates(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	router := SetupRoutes(NewHandler(&fakeCollab{}, nil, ws), allowOnly(""))

	rec := serve(t, router, http.MethodGet, "/ws?user_id=ann")
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	router := SetupRoutes(NewHandler(&fakeCollab{}, nil, nil), allowOnly("https://forms.example.com"))

	req := httptest.NewRequest(http.MethodOptions, "/api/forms/form-1/locks", nil)
	req.Header.Set("Origin", "https://forms.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://forms.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
