package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncrelay/syncrelay/internal/wireproto"
)

func TestRoutes_Health(t *testing.T) {
	srv := startTestServer(t, t.TempDir())
	handler := SetupRoutes(srv.Relay())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "syncrelay")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Sessions(t *testing.T) {
	srv := startTestServer(t, t.TempDir())
	connectClient(t, srv, "B", wireproto.EncodingMsgPack)
	connectClient(t, srv, "A", wireproto.EncodingJSON)
	waitRegistered(t, srv, 2)

	w := httptest.NewRecorder()
	SetupRoutes(srv.Relay()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "A", res.Sessions[0].ID)
	assert.Equal(t, "B", res.Sessions[1].ID)
	assert.Equal(t, "test", res.Sessions[0].Version)
	assert.NotEmpty(t, res.Sessions[0].ConnID)
	assert.WithinDuration(t, time.Now(), res.Sessions[0].RegisteredAt, time.Minute)
}

func TestRoutes_SessionByID(t *testing.T) {
	srv := startTestServer(t, t.TempDir())
	connectClient(t, srv, "A", wireproto.EncodingMsgPack)
	waitRegistered(t, srv, 1)
	handler := SetupRoutes(srv.Relay())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/A", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "A", info.ID)
	assert.Equal(t, "test", info.Version)
	assert.NotEmpty(t, info.Addr)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"session not found"}`, w.Body.String())
}

func TestRoutes_Metrics(t *testing.T) {
	srv := startTestServer(t, t.TempDir())
	connectClient(t, srv, "A", wireproto.EncodingMsgPack)
	waitRegistered(t, srv, 1)

	w := httptest.NewRecorder()
	SetupRoutes(srv.Relay()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "syncrelay_handshakes_total")
	assert.Contains(t, w.Body.String(), "syncrelay_sessions_active")
}
