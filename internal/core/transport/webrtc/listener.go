package webrtc

import (
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

const (
	acceptBacklog = 16
	deliverWait   = 5 * time.Second
)

var _ pkgif.Listener = (*Listener)(nil)

// Listener 入站 WebRTC 连接监听器
type Listener struct {
	transport *Transport
	incoming  chan *Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newListener(t *Transport) *Listener {
	return &Listener{
		transport: t,
		incoming:  make(chan *Conn, acceptBacklog),
		done:      make(chan struct{}),
	}
}

// Accept 接受入站连接，关闭后返回 net.ErrClosed
func (l *Listener) Accept() (pkgif.RawConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) deliver(c *Conn) bool {
	timer := time.NewTimer(deliverWait)
	defer timer.Stop()
	select {
	case l.incoming <- c:
		return true
	case <-l.done:
		return false
	case <-timer.C:
		return false
	}
}

// Multiaddr 返回 /webrtc
func (l *Listener) Multiaddr() ma.Multiaddr { return listenAddr }

// Close 注销信令处理器并关闭排队中的连接
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.transport.removeListener(l)
		for {
			select {
			case c := <-l.incoming:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}
