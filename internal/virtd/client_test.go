// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a dialFn that hands back one end of a net.Pipe each
// time it's called, giving the test a handle on the server side to drive.
func pipeDialer(t *testing.T) (dialFn func(context.Context) (net.Conn, error), serverConns chan net.Conn) {
	t.Helper()
	serverConns = make(chan net.Conn, 4)
	dialFn = func(ctx context.Context) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		serverConns <- serverSide
		return clientSide, nil
	}
	return dialFn, serverConns
}

func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	dialFn, serverConns := pipeDialer(t)
	c, err := newClient(context.Background(), dialFn, nil)
	require.NoError(t, err)
	server := <-serverConns
	t.Cleanup(func() { c.Close() })
	return c, server
}

func TestCallRoundTripsResult(t *testing.T) {
	c, server := newTestClient(t)
	serverReader := bufio.NewReader(server)

	go func() {
		line, err := serverReader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req request
		_ = json.Unmarshal(line, &req)
		resp := response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		enc := json.NewEncoder(server)
		_ = enc.Encode(resp)
	}()

	var out struct {
		OK bool `json:"ok"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "domain.list", nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestCallSurfacesDaemonError(t *testing.T) {
	c, server := newTestClient(t)
	serverReader := bufio.NewReader(server)

	go func() {
		line, err := serverReader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req request
		_ = json.Unmarshal(line, &req)
		resp := response{ID: req.ID, Error: &wireError{Code: "busy", Message: "device in use"}}
		enc := json.NewEncoder(server)
		_ = enc.Encode(resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "device.attach", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device in use")
}

func TestCallTimesOutWhenNoResponseArrives(t *testing.T) {
	c, server := newTestClient(t)
	go io.Copy(io.Discard, server) // drain writes, never reply

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "domain.list", nil, nil)
	require.Error(t, err)
}

func TestCallErrorsAfterClientClosed(t *testing.T) {
	c, server := newTestClient(t)
	go io.Copy(io.Discard, server)
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Call(ctx, "domain.list", nil, nil)
	require.Error(t, err)
}

func TestDispatchesEventsSeparatelyFromResponses(t *testing.T) {
	c, server := newTestClient(t)

	go func() {
		enc := json.NewEncoder(server)
		_ = enc.Encode(response{Event: &wireEvent{Name: "domain.started", Domain: "win10"}})
	}()

	select {
	case ev := <-c.EventCh:
		assert.Equal(t, "domain.started", ev.Name)
		assert.Equal(t, "win10", ev.Domain)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
