package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransportSendReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *TCPTransport, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- NewTCPTransportFromConn(conn)
	}()

	client := NewTCPTransport(ln.Addr().String(), time.Second)
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	server := <-accepted

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, client.Send(ctx, &Message{Payload: payload}))

	var got *Message
	require.Eventually(t, func() bool {
		msg, err := server.Receive(ctx)
		if err != nil || msg == nil {
			return false
		}
		got = msg
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, payload, got.Payload)
	assert.True(t, client.IsConnected())
	assert.True(t, server.IsConnected())

	require.NoError(t, client.Disconnect(ctx))
	assert.False(t, client.IsConnected())
}

func TestTCPTransportDialFailureTransitionsFailed(t *testing.T) {
	client := NewTCPTransport("127.0.0.1:1", 50*time.Millisecond)
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, client.State())
}
