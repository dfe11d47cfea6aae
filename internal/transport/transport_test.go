package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTCPLinkRoundTrip exercises Open/Send/receive/Close against a real
// loopback listener, the way kissnet's dialer is exercised in the teacher
// repo: no mocks, just a socket pair on 127.0.0.1.
func TestTCPLinkRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	link := NewTCPLink(host, port)
	received := make(chan []byte, 1)
	var states []State
	link.SetCallbacks(Callbacks{
		OnReceive:     func(chunk []byte) { received <- chunk },
		OnStateChange: func(s State) { states = append(states, s) },
	})

	require.Equal(t, KindTCP, link.Kind())
	require.Equal(t, net.JoinHostPort(host, portStr), link.EndpointDescription())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, link.Open(ctx))
	require.Equal(t, Connected, link.State())

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server side never accepted")
	}
	defer server.Close()

	require.NoError(t, link.Send(ctx, []byte{0xC0, 0x00, 'h', 'i', 0xC0}))
	buf := make([]byte, 16)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xC0, 0x00, 'h', 'i', 0xC0}, buf[:n])

	_, err = server.Write([]byte{0xC0, 0x00, 'b', 'y', 'e', 0xC0})
	require.NoError(t, err)

	select {
	case chunk := <-received:
		require.Equal(t, []byte{0xC0, 0x00, 'b', 'y', 'e', 0xC0}, chunk)
	case <-time.After(time.Second):
		t.Fatal("chunk never delivered")
	}

	require.NoError(t, link.Close())
	require.Equal(t, Disconnected, link.State())
	require.Contains(t, states, Connected)
	require.Contains(t, states, Disconnected)
}

// Sending before Open (or after the peer closes) must surface
// ErrNotConnected rather than panic on a nil conn.
func TestTCPLinkSendBeforeOpen(t *testing.T) {
	link := NewTCPLink("127.0.0.1", 0)
	err := link.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotConnected)
}

// Connecting to a closed port must transition to Failed, not hang in
// Connecting forever.
func TestTCPLinkOpenFailureSetsFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	link := NewTCPLink(host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = link.Open(ctx)
	require.Error(t, err)
	require.Equal(t, Failed, link.State())
}

func TestSettingsEqual(t *testing.T) {
	a := Settings{Kind: KindTCP, Host: "10.0.0.1", Port: 8001}
	b := Settings{Kind: KindTCP, Host: "10.0.0.1", Port: 8001}
	c := Settings{Kind: KindTCP, Host: "10.0.0.1", Port: 8002}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "failed", Failed.String())
}
