package noise

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/identity"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

func newTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tpt, err := New(id)
	require.NoError(t, err)
	return tpt, id
}

type handshakeResult struct {
	conn pkgif.SecureConn
	err  error
}

// handshakePair 在 net.Pipe 两端并发执行握手
func handshakePair(t *testing.T, client, server *Transport, expected types.PeerID) (handshakeResult, handshakeResult) {
	t.Helper()
	c, s := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan handshakeResult, 1)
	go func() {
		sc, err := server.SecureInbound(ctx, s)
		done <- handshakeResult{sc, err}
	}()
	cc, err := client.SecureOutbound(ctx, c, expected)
	return handshakeResult{cc, err}, <-done
}

func TestHandshake_Success(t *testing.T) {
	client, clientID := newTransport(t)
	server, serverID := newTransport(t)

	cr, sr := handshakePair(t, client, server, serverID.PeerID())
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	defer cr.conn.Close()
	defer sr.conn.Close()

	assert.Equal(t, clientID.PeerID(), cr.conn.LocalPeer())
	assert.Equal(t, serverID.PeerID(), cr.conn.RemotePeer())
	assert.Equal(t, clientID.PeerID(), sr.conn.RemotePeer())
	assert.Equal(t, identity.MarshalPublicKey(clientID.PublicKey()), sr.conn.RemotePublicKey())
}

func TestHandshake_AnyPeerWhenExpectedEmpty(t *testing.T) {
	client, _ := newTransport(t)
	server, serverID := newTransport(t)

	cr, sr := handshakePair(t, client, server, "")
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	assert.Equal(t, serverID.PeerID(), cr.conn.RemotePeer())
}

func TestHandshake_PeerIDMismatch(t *testing.T) {
	client, _ := newTransport(t)
	server, _ := newTransport(t)
	_, other := newTransport(t)

	cr, sr := handshakePair(t, client, server, other.PeerID())
	require.Error(t, cr.err)
	assert.ErrorIs(t, cr.err, types.ErrHandshakeFailed)
	assert.ErrorIs(t, cr.err, ErrPeerIDMismatch)
	// 发起方关闭连接后响应方同样失败
	assert.ErrorIs(t, sr.err, types.ErrHandshakeFailed)
}

func TestHandshake_DeadlineExceeded(t *testing.T) {
	client, _ := newTransport(t)
	c, s := net.Pipe()
	defer s.Close()

	// 对端只读不写
	go io.Copy(io.Discard, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.SecureOutbound(ctx, c, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrHandshakeFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshake_MalformedMessage(t *testing.T) {
	server, _ := newTransport(t)
	c, s := net.Pipe()

	go func() {
		// 长度前缀合法但内容不是 Noise 消息
		_ = writeFrame(c, []byte{1, 2, 3})
		io.Copy(io.Discard, c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := server.SecureInbound(ctx, s)
	assert.ErrorIs(t, err, types.ErrHandshakeFailed)
}

func TestSecureConn_LargeWriteIsSplit(t *testing.T) {
	client, _ := newTransport(t)
	server, serverID := newTransport(t)

	cr, sr := handshakePair(t, client, server, serverID.PeerID())
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)

	data := make([]byte, 3*MaxPlaintextSize+123)
	_, err := rand.Read(data)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		n, err := cr.conn.Write(data)
		if err == nil && n != len(data) {
			err = io.ErrShortWrite
		}
		errCh <- err
	}()

	got := make([]byte, len(data))
	_, err = io.ReadFull(sr.conn, got)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, bytes.Equal(data, got))
}

func TestSecureConn_SmallReadBuffer(t *testing.T) {
	client, _ := newTransport(t)
	server, _ := newTransport(t)

	cr, sr := handshakePair(t, client, server, "")
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)

	go cr.conn.Write([]byte("hello, noise"))

	var out []byte
	buf := make([]byte, 3)
	for len(out) < len("hello, noise") {
		n, err := sr.conn.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, "hello, noise", string(out))
}

func TestPayload_RejectsMissingFields(t *testing.T) {
	var p handshakePayload
	assert.ErrorIs(t, p.unmarshal(nil), ErrInvalidPayload)
	assert.ErrorIs(t, p.unmarshal([]byte{0x0a, 0x05, 1}), ErrInvalidPayload)
}

func TestVerifyPayload_BadSignature(t *testing.T) {
	_, id := newTransport(t)
	static, err := staticKeypair(id)
	require.NoError(t, err)

	raw, err := makePayload(id, static.Public)
	require.NoError(t, err)

	other := bytes.Repeat([]byte{9}, 32)
	_, _, err = verifyPayload(raw, other)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, peer, err := verifyPayload(raw, static.Public)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), peer)
}
