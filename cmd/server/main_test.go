package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "--config")
}

func TestRootCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})

	assert.Error(t, cmd.Execute())
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"extra"})

	assert.Error(t, cmd.Execute())
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg, err := config.Parse([]byte("server:\n  addr: 127.0.0.1:0\n  store: sqlite\n"))
	require.NoError(t, err)
	cfg.Server.DSN = filepath.Join(t.TempDir(), "server.db")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	cfg.Server.Addr = taken.Addr().String()

	err = serve(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
