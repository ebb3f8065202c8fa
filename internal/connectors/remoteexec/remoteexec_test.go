package remoteexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/connectors"
)

func TestRun_PostsCommand(t *testing.T) {
	var got Command
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exec", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(connectors.ExecResult{ExitCode: 1, Stdout: "out", Stderr: "err"})
	}))
	defer srv.Close()

	r := New(srv.URL+"/", "secret")
	result, err := r.Run(context.Background(), Command{Command: "make", Args: []string{"test"}, JobID: "j1"})
	require.NoError(t, err)

	assert.Equal(t, "make", got.Command)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "out", result.Stdout)
	assert.Equal(t, "make", result.Command)
}

func TestRun_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "machine busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Execute(context.Background(), "make", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine busy")
}

func TestRun_EmptyCommand(t *testing.T) {
	_, err := New("http://unused", "").Execute(context.Background(), " ", nil)
	assert.ErrorIs(t, err, connectors.ErrCommandNotAllowed)
}
