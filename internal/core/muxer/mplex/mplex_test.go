package mplex

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// sessionPair 在 net.Pipe 两端创建会话
func sessionPair(t *testing.T, cfg Config) (pkgif.MuxedConn, pkgif.MuxedConn) {
	t.Helper()
	c, s := net.Pipe()
	tpt := New(cfg)

	client, err := tpt.NewConn(c, false)
	require.NoError(t, err)
	server, err := tpt.NewConn(s, true)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func openPair(t *testing.T, client, server pkgif.MuxedConn) (pkgif.MuxedStream, pkgif.MuxedStream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := client.OpenStream(ctx)
	require.NoError(t, err)
	ss, err := server.AcceptStream()
	require.NoError(t, err)
	return cs, ss
}

func TestTransport_ID(t *testing.T) {
	assert.Equal(t, types.ProtocolID("/mplex/6.7.0"), DefaultTransport.ID())
}

func TestStream_EchoWithHalfClose(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())

	go func() {
		ss, err := server.AcceptStream()
		if err != nil {
			return
		}
		data, _ := io.ReadAll(ss)
		_, _ = ss.Write(data)
		_ = ss.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs, err := client.OpenStream(ctx)
	require.NoError(t, err)

	_, err = cs.Write([]byte("ping\n"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseWrite())

	// 写端关闭后继续写入失败
	_, err = cs.Write([]byte("late"))
	assert.ErrorIs(t, err, types.ErrStreamClosed)

	got, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(got))
}

func TestStreams_InterleavedAreIsolatedAndOrdered(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())

	const msgs = 200
	a, sa := openPair(t, client, server)
	b, sb := openPair(t, client, server)

	var wg sync.WaitGroup
	for name, st := range map[string]pkgif.MuxedStream{"a": a, "b": b} {
		wg.Add(1)
		go func(name string, st pkgif.MuxedStream) {
			defer wg.Done()
			for i := 0; i < msgs; i++ {
				_, err := fmt.Fprintf(st, "%s-%03d\n", name, i)
				if err != nil {
					return
				}
			}
			_ = st.CloseWrite()
		}(name, st)
	}

	check := func(name string, st pkgif.MuxedStream) {
		sc := bufio.NewScanner(st)
		i := 0
		for sc.Scan() {
			if !assert.Equal(t, fmt.Sprintf("%s-%03d", name, i), sc.Text()) {
				return
			}
			i++
		}
		assert.NoError(t, sc.Err())
		assert.Equal(t, msgs, i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		check("b", sb)
	}()
	check("a", sa)
	<-done
	wg.Wait()
}

func TestSession_CloseUnblocksPendingRead(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, _ := openPair(t, client, server)

	errCh := make(chan error, 1)
	go func() {
		_, err := cs.Read(make([]byte, 10))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, types.ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("关闭会话未唤醒阻塞的读")
	}

	_, err := cs.Write([]byte("x"))
	assert.ErrorIs(t, err, types.ErrConnClosed)

	_, err = client.OpenStream(context.Background())
	assert.ErrorIs(t, err, types.ErrConnClosed)
}

func TestSession_RemoteCloseResetsStreams(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	_, ss := openPair(t, client, server)

	require.NoError(t, client.Close())

	_, err := ss.Read(make([]byte, 1))
	assert.ErrorIs(t, err, types.ErrConnClosed)
	require.Eventually(t, server.IsClosed, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RemoteReset(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, ss := openPair(t, client, server)

	require.NoError(t, ss.Reset())

	_, err := ss.Read(make([]byte, 1))
	assert.ErrorIs(t, err, types.ErrStreamReset)

	_, err = cs.Read(make([]byte, 1))
	assert.ErrorIs(t, err, types.ErrStreamReset)

	require.Eventually(t, func() bool {
		_, err := cs.Write([]byte("x"))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_LargeWriteSplitIntoFrames(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, ss := openPair(t, client, server)

	data := make([]byte, 2*MaxMessageSize+MaxMessageSize/2)
	_, err := rand.Read(data)
	require.NoError(t, err)

	go func() {
		_, _ = cs.Write(data)
		_ = cs.CloseWrite()
	}()

	got, err := io.ReadAll(ss)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStream_SlowReaderOnlyResetsItself(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StreamBuffer = 1
	cfg.ReceiveTimeout = 50 * time.Millisecond
	client, server := sessionPair(t, cfg)

	slow, slowRemote := openPair(t, client, server)
	fast, fastRemote := openPair(t, client, server)

	// slow 的接收方从不读取
	for i := 0; i < 4; i++ {
		_, err := slow.Write([]byte("fill"))
		require.NoError(t, err)
	}

	_, err := fast.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, fastRemote.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(fastRemote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = slowRemote.Read(make([]byte, 4))
	assert.ErrorIs(t, err, types.ErrStreamReset)

	require.Eventually(t, func() bool {
		_, err := slow.Write([]byte("x"))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, client.IsClosed())
}

func TestStream_ReadDeadline(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, _ := openPair(t, client, server)

	require.NoError(t, cs.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	_, err := cs.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// 取消截止时间后恢复正常
	require.NoError(t, cs.SetReadDeadline(time.Time{}))
}

func TestStream_CloseRead(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, ss := openPair(t, client, server)

	require.NoError(t, ss.CloseRead())
	_, err := ss.Read(make([]byte, 1))
	assert.ErrorIs(t, err, types.ErrStreamClosed)

	// 读端关闭后仍然可以写
	go func() {
		_, _ = ss.Write([]byte("still writing"))
		_ = ss.CloseWrite()
	}()
	got, err := io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "still writing", string(got))
}

func TestSession_NumStreams(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, ss := openPair(t, client, server)
	assert.Equal(t, 1, client.NumStreams())
	assert.Equal(t, 1, server.NumStreams())

	require.NoError(t, cs.Close())
	require.NoError(t, ss.Close())
	require.Eventually(t, func() bool {
		return client.NumStreams() == 0 && server.NumStreams() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_State(t *testing.T) {
	client, server := sessionPair(t, DefaultConfig())
	cs, ss := openPair(t, client, server)

	st := cs.(*Stream)
	assert.Equal(t, types.StreamOpen, st.State())
	require.NoError(t, cs.CloseWrite())
	assert.Equal(t, types.StreamHalfClosedLocal, st.State())

	_, err := io.ReadAll(ss)
	require.NoError(t, err)
	assert.Equal(t, types.StreamHalfClosedRemote, ss.(*Stream).State())

	require.NoError(t, ss.Reset())
	assert.Equal(t, types.StreamReset, ss.(*Stream).State())
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	f := frame{id: 1, flag: flagMessageInitiator, data: make([]byte, 10)}
	buf.Write(f.appendHeader(nil))
	buf.Write(f.data)

	_, err := readFrame(bufio.NewReader(&buf), 5)
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := frame{id: 300, flag: flagCloseReceiver}
	buf.Write(f.appendHeader(nil))

	got, err := readFrame(bufio.NewReader(&buf), MaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), got.id)
	assert.Equal(t, flagCloseReceiver, got.flag)
	assert.Empty(t, got.data)
}
