package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, _ := newTestSession(t)
	srv := httptest.NewServer(newServer(s.db, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServerKV(t *testing.T) {
	srv := newTestServer(t)

	code, _ := do(t, http.MethodPut, srv.URL+"/api/kv/users/1", "alice")
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, srv.URL+"/api/kv/users/1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "alice", body)

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/kv/users/1", "")
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodGet, srv.URL+"/api/kv/users/1", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, body, "Key not found")
}

func TestServerScan(t *testing.T) {
	srv := newTestServer(t)
	for _, k := range []string{"b", "a", "c"} {
		code, _ := do(t, http.MethodPut, srv.URL+"/api/kv/"+k, "v"+k)
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := do(t, http.MethodPost, srv.URL+"/api/_flush", "")
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, srv.URL+"/api/scan?start=a&end=c", "")
	require.Equal(t, http.StatusOK, code)
	var resp struct {
		Entries   []scanEntry `json:"entries"`
		Count     int         `json:"count"`
		Truncated bool        `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Equal(t, []scanEntry{{"a", "va"}, {"b", "vb"}}, resp.Entries)
	require.False(t, resp.Truncated)

	code, body = do(t, http.MethodGet, srv.URL+"/api/scan?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Equal(t, 1, resp.Count)
	require.True(t, resp.Truncated)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/scan?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestServerAdmin(t *testing.T) {
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/api/kv/k", "v")

	code, body := do(t, http.MethodGet, srv.URL+"/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"strategy":"leveling"`)
	require.Contains(t, body, `"puts":1`)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/_compact", "")
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodGet, srv.URL+"/api/levels", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"maxBytes"`)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/health", "")
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "aurorakv_puts_total 1")
}

func TestServerCORS(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/kv/k", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
