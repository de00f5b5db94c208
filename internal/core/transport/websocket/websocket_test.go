package websocket

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
)

func TestTransport_CanDial(t *testing.T) {
	tr := New()
	tests := []struct {
		addr string
		want bool
	}{
		{"/ip4/127.0.0.1/tcp/4002/ws", true},
		{"/dns4/relay.example.com/tcp/443/wss/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN", true},
		{"/ip6/::1/tcp/80/ws", true},
		{"/ip4/127.0.0.1/tcp/4002", false},
		{"/ip4/127.0.0.1/tcp/4002/ws/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN/p2p-circuit/p2p/QmcgpsyWgH8Y8ajJz1Cu72KnS5uo2Aa2LpzU7kinSupNKC", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.CanDial(addrutil.MustParse(tt.addr)), tt.addr)
	}
}

func TestFilterDNSOverTLS(t *testing.T) {
	tr := New(WithFilter(FilterDNSOverTLS))
	assert.True(t, tr.CanDial(addrutil.MustParse("/dns4/relay.example.com/tcp/443/wss")))
	assert.False(t, tr.CanDial(addrutil.MustParse("/dns4/relay.example.com/tcp/80/ws")))
	assert.False(t, tr.CanDial(addrutil.MustParse("/ip4/1.2.3.4/tcp/443/wss")))

	_, err := tr.Dial(context.Background(), addrutil.MustParse("/ip4/127.0.0.1/tcp/1/ws"), "")
	assert.ErrorIs(t, err, ErrFiltered)
}

func TestFilterByName(t *testing.T) {
	_, err := FilterByName("dnsWsOverTLS")
	require.NoError(t, err)
	_, err = FilterByName("all")
	require.NoError(t, err)
	_, err = FilterByName("none")
	assert.Error(t, err)
}

func TestTransport_CanListen(t *testing.T) {
	tr := New()
	assert.True(t, tr.CanListen(addrutil.MustParse("/ip4/0.0.0.0/tcp/0/ws")))
	assert.False(t, tr.CanListen(addrutil.MustParse("/ip4/0.0.0.0/tcp/0/wss")))
	assert.False(t, tr.CanListen(addrutil.MustParse("/dns4/example.com/tcp/0/ws")))
	assert.False(t, tr.CanListen(addrutil.MustParse("/webrtc")))
}

func TestTransport_DialListen(t *testing.T) {
	tr := New()
	defer tr.Close()

	l, err := tr.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws"))
	require.NoError(t, err)
	defer l.Close()

	port, err := l.Multiaddr().ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			accepted <- err
			return
		}
		_, err = c.Write(buf)
		accepted <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := tr.Dial(ctx, l.Multiaddr(), "")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, l.Multiaddr().String(), c.RemoteMultiaddr().String())
	assert.True(t, addrutil.IsWebSocket(c.LocalMultiaddr()))

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)

	// 一次读取只取走消息的一部分，剩余部分在下一次读取
	buf := make([]byte, 2)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "pi", string(buf))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "ng", string(buf))

	require.NoError(t, <-accepted)
}

func TestConn_CloseYieldsEOF(t *testing.T) {
	tr := New()
	defer tr.Close()

	l, err := tr.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws"))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	c, err := tr.Dial(context.Background(), l.Multiaddr(), "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_ReadDeadline(t *testing.T) {
	tr := New()
	defer tr.Close()

	l, err := tr.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws"))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := l.Accept()
		if err == nil {
			time.Sleep(time.Second)
			_ = c.Close()
		}
	}()

	c, err := tr.Dial(context.Background(), l.Multiaddr(), "")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestListener_AcceptAfterClose(t *testing.T) {
	tr := New()
	l, err := tr.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept()
	assert.Error(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws"))
	assert.ErrorIs(t, err, ErrTransportClosed)
}
