package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server, "--token", "tok"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitSendsRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"request_id":"r1","status":"queued","attempts":0}`))
	}))
	defer srv.Close()

	out, err := run(t, srv.URL, "submit", "--id", "r1", "--amount", "125.50",
		"--from", "treasury", "--to", "vendor", "--priority", "urgent", "--meta", "invoice=INV-9")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "queued"`)
	assert.Equal(t, "r1", got["id"])
	assert.Equal(t, "125.5", got["amount"])
	assert.Equal(t, "payment", got["type"])
	assert.Equal(t, map[string]any{"invoice": "INV-9"}, got["metadata"])

	_, err = run(t, srv.URL, "submit", "--amount", "abc")
	require.Error(t, err)
	_, err = run(t, srv.URL, "submit", "--amount", "1", "--meta", "broken")
	require.Error(t, err)
}

func TestSignAndEmergency(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/approvals/r1":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "reject", body["decision"])
			_, _ = w.Write([]byte(`{"request_id":"r1","status":"rejected"}`))
		case "/api/v1/emergency/activate":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"CONFLICT","message":"already active"}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	_, err := run(t, srv.URL, "reject", "r1", "--as", "alice", "--comment", "no")
	require.NoError(t, err)

	_, err = run(t, srv.URL, "emergency", "activate", "--reason", "drill", "--actor", "ops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT")

	_, err = run(t, srv.URL, "emergency", "status")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/v1/approvals/r1",
		"POST /api/v1/emergency/activate",
		"GET /api/v1/emergency",
	}, paths)
}

func TestArgumentValidation(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "status")
	require.Error(t, err)
	_, err = run(t, "not a url", "accounts")
	require.Error(t, err)
}
