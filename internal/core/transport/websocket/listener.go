package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// acceptBacklog 已升级但未被 Accept 取走的连接上限
const acceptBacklog = 16

// 确保实现接口
var _ pkgif.Listener = (*Listener)(nil)

// Listener WebSocket 监听器
type Listener struct {
	nl    net.Listener
	laddr ma.Multiaddr
	srv   *http.Server

	upgrader ws.Upgrader

	incoming  chan *Conn
	done      chan struct{}
	closeOnce sync.Once
	serveErr  error
	serveDone chan struct{}
}

func newListener(nl net.Listener, handshakeTimeout time.Duration) (*Listener, error) {
	tcpAddr, ok := nl.Addr().(*net.TCPAddr)
	if !ok {
		return nil, errors.New("not a tcp listener")
	}
	base, err := addrutil.FromTCPAddr(tcpAddr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		nl:    nl,
		laddr: base.Encapsulate(wsComponent),
		upgrader: ws.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
			// 浏览器客户端来自任意源
			CheckOrigin: func(*http.Request) bool { return true },
		},
		incoming:  make(chan *Conn, acceptBacklog),
		done:      make(chan struct{}),
		serveDone: make(chan struct{}),
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: handshakeTimeout,
	}
	go func() {
		defer close(l.serveDone)
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.serveErr = err
			logger.Warn("WebSocket 服务退出", "addr", l.laddr, "err", err)
		}
	}()
	return l, nil
}

// ServeHTTP 升级 HTTP 请求为 WebSocket 连接
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket 升级失败", "remote", r.RemoteAddr, "err", err)
		return
	}

	raddr := l.remoteMultiaddr(c.RemoteAddr())
	conn := newConn(c, l.laddr, raddr)

	select {
	case l.incoming <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *Listener) remoteMultiaddr(a net.Addr) ma.Multiaddr {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return nil
	}
	base, err := addrutil.FromTCPAddr(tcpAddr)
	if err != nil {
		return nil
	}
	return base.Encapsulate(wsComponent)
}

// Accept 接受已升级的连接
func (l *Listener) Accept() (pkgif.RawConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close 关闭监听器，未被取走的连接一并关闭
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
		<-l.serveDone
		for {
			select {
			case c := <-l.incoming:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return err
}

// Multiaddr 返回实际监听地址（端口 0 已替换为实际端口）
func (l *Listener) Multiaddr() ma.Multiaddr {
	return l.laddr
}
