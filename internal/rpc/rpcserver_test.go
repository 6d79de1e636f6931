package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/lrendina/blockchain-intel/internal/db/testdb"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestStartRPCServer_StartAndClose(t *testing.T) {
	sqlite, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	port := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFunc := StartRPCServer(port, ctx, sqlite, "base", func() string { return "" })

	// Give server some time to start
	time.Sleep(100 * time.Millisecond)

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", port)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status           string `json:"status"`
		Stream           string `json:"stream"`
		CheckpointHeight uint64 `json:"checkpointHeight"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "OK", status.Status)
	require.Equal(t, "base", status.Stream)

	start := time.Now()
	closeFunc()
	elapsed := time.Since(start)
	require.Less(t, elapsed, 5*time.Second, "server shutdown took too long")

	// Confirm server is closed
	time.Sleep(100 * time.Millisecond)
	_, err = http.Get(url)
	require.Error(t, err, "expected error after server shutdown, got none")
}

func TestStartRPCServer_InvalidRoute(t *testing.T) {
	sqlite, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	port := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFunc := StartRPCServer(port, ctx, sqlite, "base", func() string { return "" })
	defer closeFunc()

	time.Sleep(100 * time.Millisecond)

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/invalid-route", port)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRPCServer_MetricsEndpoint(t *testing.T) {
	sqlite, cleanup := testdb.SetupTestDB(t)
	defer cleanup()

	port := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFunc := StartRPCServer(port, ctx, sqlite, "base", func() string { return "" })
	defer closeFunc()

	time.Sleep(100 * time.Millisecond)

	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, body)
}
