package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/auth"
	"github.com/spacetrove/trove/pkg/locks"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/service"
	"github.com/spacetrove/trove/pkg/storage/sqldb"
)

func newTestAPI(t *testing.T) (*mux.Router, *sqldb.Adapter) {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	adapter, err := sqldb.New(sqldb.Options{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "trove.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	resolver := access.NewResolver(adapter, 128, time.Minute, logger, nil)
	gate := access.NewGate(resolver, nil)
	svc := service.New(service.Options{
		Adapter:    adapter,
		Gate:       gate,
		Resolver:   resolver,
		Locks:      locks.NewService(adapter, 5*time.Minute, logger, nil),
		Logger:     logger,
		BcryptCost: 4,
	})

	api := &apiServer{
		svc:     svc,
		adapter: adapter,
		gate:    gate,
		tokens:  auth.NewTokenManager("test-secret", time.Hour),
		logger:  logger,
	}
	router := mux.NewRouter()
	api.routes(router)

	seedUsers(t, adapter)
	return router, adapter
}

// seedUsers installs alice (editor over every subpath of "data") with a
// known password.
func seedUsers(t *testing.T, adapter *sqldb.Adapter) {
	t.Helper()
	ctx := context.Background()
	hash, err := auth.HashPassword("correct-horse", 4)
	require.NoError(t, err)

	save := func(subpath string, res model.Resource) {
		require.NoError(t, adapter.Save(ctx, access.ManagementSpace, subpath, res))
	}
	save(access.SubpathUsers, &model.User{
		Meta:     model.Meta{Shortname: "alice", IsActive: true},
		Roles:    []string{"editor"},
		Password: hash,
	})
	save(access.SubpathRoles, &model.Role{
		Meta:        model.Meta{Shortname: "editor", IsActive: true},
		Permissions: []string{"edit_data"},
	})
	save(access.SubpathPermissions, &model.Permission{
		Meta:          model.Meta{Shortname: "edit_data", IsActive: true},
		Subpaths:      map[string][]string{"data": {"*"}},
		ResourceTypes: []model.ResourceType{model.ResourceTypeContent},
		Actions: []model.Action{
			model.ActionView, model.ActionQuery, model.ActionCreate,
			model.ActionUpdate, model.ActionDelete, model.ActionLock,
			model.ActionUnlock,
		},
	})
}

func doJSON(t *testing.T, router *mux.Router, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, router *mux.Router) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/login", "",
		map[string]string{"shortname": "alice", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["access_token"])
	return body["access_token"]
}

func TestLogin(t *testing.T) {
	router, _ := newTestAPI(t)

	login(t, router)

	t.Run("wrong password rejected", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/login", "",
			map[string]string{"shortname": "alice", "password": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown user rejected", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/login", "",
			map[string]string{"shortname": "mallory", "password": "correct-horse"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSessionRequired(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/spaces/data/query", "",
		map[string]string{"type": "subpath", "subpath": "articles"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/spaces/data/query", "not-a-token",
		map[string]string{"type": "subpath", "subpath": "articles"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestAndQuery(t *testing.T) {
	router, _ := newTestAPI(t)
	token := login(t, router)

	rec := doJSON(t, router, http.MethodPost, "/spaces/data/request", token, map[string]interface{}{
		"request_type": "create",
		"records": []map[string]interface{}{
			{
				"resource_type": "content",
				"shortname":     "a1",
				"subpath":       "articles",
				"attributes":    map[string]interface{}{"is_active": true},
			},
			{
				"resource_type": "content",
				"shortname":     "bad name",
				"subpath":       "articles",
				"attributes":    map[string]interface{}{"is_active": true},
			},
		},
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	var response service.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Len(t, response.Success, 1)
	require.Len(t, response.Failed, 1)
	assert.Equal(t, "bad name", response.Failed[0].Shortname)

	rec = doJSON(t, router, http.MethodPost, "/spaces/data/query", token,
		map[string]string{"type": "subpath", "subpath": "articles"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Total   int64          `json:"total"`
		Records []model.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.EqualValues(t, 1, result.Total)
	assert.Equal(t, "a1", result.Records[0].Shortname)
}

func TestLockEndpoints(t *testing.T) {
	router, _ := newTestAPI(t)
	token := login(t, router)

	rec := doJSON(t, router, http.MethodPost, "/spaces/data/request", token, map[string]interface{}{
		"request_type": "create",
		"records": []map[string]interface{}{{
			"resource_type": "content",
			"shortname":     "a1",
			"subpath":       "articles",
			"attributes":    map[string]interface{}{"is_active": true},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/spaces/data/lock", token,
		map[string]interface{}{"subpath": "articles", "shortname": "a1", "ttl_seconds": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var lock model.Lock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lock))
	assert.Equal(t, "alice", lock.OwnerShortname)

	rec = doJSON(t, router, http.MethodPost, "/spaces/data/unlock", token,
		map[string]interface{}{"subpath": "articles", "shortname": "a1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	t.Run("missing entry", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/spaces/data/lock", token,
			map[string]interface{}{"subpath": "articles", "shortname": "ghost"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
