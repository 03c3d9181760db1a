package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyvaultd/keyvaultd/internal/adapter"
	"github.com/keyvaultd/keyvaultd/internal/auth"
	"github.com/keyvaultd/keyvaultd/internal/callerlimit"
	"github.com/keyvaultd/keyvaultd/internal/events"
	"github.com/keyvaultd/keyvaultd/internal/metrics"
	"github.com/keyvaultd/keyvaultd/internal/ratetracker"
	"github.com/keyvaultd/keyvaultd/internal/scheduler"
	"github.com/keyvaultd/keyvaultd/internal/store"
	"github.com/keyvaultd/keyvaultd/internal/transport"
)

func TestMetricsMuxHealthz(t *testing.T) {
	srv := httptest.NewServer(metricsMux(metrics.New(), nopLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsMuxServesPrometheusFormat(t *testing.T) {
	reg := metrics.New()
	reg.RequestsTotal.WithLabelValues("generate", "google", "gemini-2.5-flash-lite", "success").Inc()

	srv := httptest.NewServer(metricsMux(reg, nopLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:", []byte("test-passphrase"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// startTestServer wires registerHandlers against a real in-memory store and
// an adapter-less scheduler, then serves it on a temp Unix socket, mirroring
// the daemon's own wiring in main().
func startTestServer(t *testing.T) (socketPath string, tokenHolder *auth.Holder, st store.Store) {
	t.Helper()
	dir := t.TempDir()

	backend, err := auth.NewFileSecretBackend(filepath.Join(dir, "secrets"))
	require.NoError(t, err)
	tokenHolder, err = auth.NewHolder(backend, auth.AccountBearerToken, filepath.Join(dir, "bearer-token.mirror"), nil)
	require.NoError(t, err)

	st = newTestStore(t)
	sched := scheduler.New(st, ratetracker.New(), map[string]adapter.Adapter{}, events.NewBus())

	limiter := callerlimit.New(100, time.Minute)
	t.Cleanup(limiter.Stop)

	socketPath = filepath.Join(dir, "keyvaultd.sock")
	srv := transport.New(socketPath, tokenHolder, limiter, nil)
	registerHandlers(srv, sched, st, tokenHolder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})

	require.NoError(t, waitForSocket(socketPath))
	return socketPath, tokenHolder, st
}

func TestRegisterHandlersRegistersEveryMethod(t *testing.T) {
	socketPath, tokenHolder, _ := startTestServer(t)

	for _, method := range []string{
		"generate", "parallelGenerate", "swarmGenerate",
		"modelRegistry", "activeModels", "models", "swarmStatus", "health", "usage",
		"admin.addKey", "admin.removeKey", "admin.listKeys", "admin.rotateToken", "admin.syncToken",
	} {
		reply, err := sendFrame(socketPath, transport.Frame{ID: "1", Method: method, Auth: tokenHolder.Get()})
		require.NoError(t, err, "method %s", method)
		if reply.Error != nil {
			// generate/swarm methods fail without a registered provider adapter,
			// but that is an internal RPC error, never "method not found".
			assert.NotEqual(t, transport.CodeMethodNotFound, reply.Error.Code, "method %s should be registered", method)
		}
	}

	// An unregistered method must still come back as a clean RPC error, not
	// a connection failure.
	reply, err := sendFrame(socketPath, transport.Frame{ID: "2", Method: "doesNotExist"})
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, transport.CodeMethodNotFound, reply.Error.Code)
}

func TestModelRegistryReturnsStaticTable(t *testing.T) {
	socketPath, tokenHolder, _ := startTestServer(t)

	reply, err := sendFrame(socketPath, transport.Frame{ID: "1", Method: "modelRegistry", Auth: tokenHolder.Get()})
	require.NoError(t, err)
	require.Nil(t, reply.Error)

	raw, err := json.Marshal(reply.Result)
	require.NoError(t, err)
	var specs []struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(raw, &specs))
	assert.NotEmpty(t, specs)
}

func TestAdminMethodsRequireAuth(t *testing.T) {
	socketPath, _, _ := startTestServer(t)

	reply, err := sendFrame(socketPath, transport.Frame{ID: "1", Method: "admin.listKeys"})
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, transport.CodeUnauthorized, reply.Error.Code)
}

func TestAdminAddKeyThenListKeys(t *testing.T) {
	socketPath, tokenHolder, _ := startTestServer(t)

	addParams, err := json.Marshal(map[string]string{
		"id": "cred-1", "provider": "google", "secret": "sk-test", "role": "worker",
	})
	require.NoError(t, err)

	reply, err := sendFrame(socketPath, transport.Frame{ID: "1", Method: "admin.addKey", Auth: tokenHolder.Get(), Params: addParams})
	require.NoError(t, err)
	require.Nil(t, reply.Error)

	reply, err = sendFrame(socketPath, transport.Frame{ID: "2", Method: "admin.listKeys", Auth: tokenHolder.Get()})
	require.NoError(t, err)
	require.Nil(t, reply.Error)

	raw, err := json.Marshal(reply.Result)
	require.NoError(t, err)
	var creds []struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(raw, &creds))
	require.Len(t, creds, 1)
	assert.Equal(t, "cred-1", creds[0].ID)
}

func waitForSocket(path string) error {
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	return lastErr
}

func sendFrame(socketPath string, frame transport.Frame) (transport.Reply, error) {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return transport.Reply{}, err
	}
	defer func() { _ = conn.Close() }()

	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		return transport.Reply{}, err
	}
	var reply transport.Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return transport.Reply{}, err
	}
	return reply, nil
}
