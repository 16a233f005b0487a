package app

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/memsocket/internal/config"
	"github.com/1ureka/memsocket/internal/protocol"
	"github.com/1ureka/memsocket/internal/shm"
)

const (
	serverPos = 1
	clientPos = 2
)

var errNoDevice = errors.New("no device for this instance")

func TestClientSiblingIsolation(t *testing.T) {
	const vms = 3
	dir := t.TempDir()
	bus, err := shm.NewLoopback(vms)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, bus.Close()) })

	ln, err := net.Listen("unix", filepath.Join(dir, "d.sock"))
	require.NoError(t, err)
	defer ln.Close()

	ccfg := config.Default()
	ccfg.Role = config.RoleClient
	ccfg.SocketPath = filepath.Join(dir, "d.sock")
	ccfg.VMCount = vms

	scfg := ccfg
	scfg.Role = config.RoleServer
	scfg.SocketPath = filepath.Join(dir, "s.sock")
	scfg.Instance = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- RunClient(ctx, ccfg, func(i int) (shm.Transport, error) {
			if i == 1 {
				return nil, errNoDevice
			}
			return bus.Open(clientPos, i)
		})
	}()

	region, err := shm.NewRegion(bus.Memory(), vms)
	require.NoError(t, err)
	// Instances are opened in order; the last one to publish its owner is
	// the one the server will use.
	require.Eventually(t, func() bool {
		id := protocol.PeerIDFromPosition(clientPos)
		return region.ClientID() == id && region.ClientMailbox(scfg.Instance).Owner() == id
	}, 5*time.Second, 10*time.Millisecond)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- RunServer(ctx, scfg, func(i int) (shm.Transport, error) {
			return bus.Open(serverPos, i)
		})
	}()

	// Instance 2 forwards while instance 1 has already failed.
	var app net.Conn
	require.Eventually(t, func() bool {
		app, err = net.Dial("unix", scfg.SocketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	defer app.Close()
	require.NoError(t, app.SetDeadline(time.Now().Add(5*time.Second)))

	remote, err := ln.Accept()
	require.NoError(t, err)
	defer remote.Close()
	require.NoError(t, remote.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = app.Write([]byte("abc"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	cancel()
	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case err := <-clientDone:
		require.Error(t, err)
		assert.ErrorIs(t, err, errNoDevice)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestRunServerOpenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Role = config.RoleServer
	cfg.SocketPath = filepath.Join(t.TempDir(), "s.sock")
	err := RunServer(context.Background(), cfg, func(int) (shm.Transport, error) {
		return nil, errNoDevice
	})
	require.ErrorIs(t, err, errNoDevice)
}
