package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/internal/core/upgrader"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// 确保实现接口
var _ pkgif.Conn = (*Conn)(nil)

// Conn Swarm 管理的已升级连接
type Conn struct {
	id        string
	swarm     *Swarm
	up        *upgrader.Conn
	dir       types.Direction
	transport string
	opened    time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	hooksMu  sync.Mutex
	hooks    map[uint64]func()
	nextHook uint64
}

func newConn(s *Swarm, up *upgrader.Conn, dir types.Direction, transport string) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		swarm:     s,
		up:        up,
		dir:       dir,
		transport: transport,
		opened:    time.Now(),
	}
}

// ID 返回连接唯一标识
func (c *Conn) ID() string { return c.id }

// LocalPeer 返回本地节点 ID
func (c *Conn) LocalPeer() types.PeerID { return c.up.LocalPeer() }

// RemotePeer 返回远端节点 ID
func (c *Conn) RemotePeer() types.PeerID { return c.up.RemotePeer() }

// LocalMultiaddr 返回本地多地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr { return c.up.LocalMultiaddr() }

// RemoteMultiaddr 返回远端多地址
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.up.RemoteMultiaddr() }

// Direction 返回连接方向
func (c *Conn) Direction() types.Direction { return c.dir }

// Security 返回协商的安全协议
func (c *Conn) Security() types.ProtocolID { return c.up.Security() }

// Muxer 返回协商的多路复用协议
func (c *Conn) Muxer() types.ProtocolID { return c.up.Muxer() }

// Transport 返回传输名称
func (c *Conn) Transport() string { return c.transport }

// Opened 返回建立时间
func (c *Conn) Opened() time.Time { return c.opened }

// NumStreams 返回活跃流数量
func (c *Conn) NumStreams() int { return c.up.NumStreams() }

// IsClosed 检查连接是否已关闭
func (c *Conn) IsClosed() bool {
	return c.closed.Load() || c.up.IsClosed()
}

// NewStream 打开原始流
func (c *Conn) NewStream(ctx context.Context) (pkgif.MuxedStream, error) {
	if c.closed.Load() {
		return nil, types.ErrConnClosed
	}
	return c.up.OpenStream(ctx)
}

// Close 关闭连接并从 Swarm 注销
//
// 先同步标记关闭，再关闭多路复用会话，挂起的流读写返回 types.ErrConnClosed。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.up.Close()
		c.runCloseHooks()
		c.swarm.removeConn(c)
	})
	return c.closeErr
}

// closeUnregistered 关闭从未登记的连接，不产生关闭事件
func (c *Conn) closeUnregistered() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.up.Close()
		c.runCloseHooks()
	})
}

// OnClose 注册连接关闭时执行的回调
//
// 连接已关闭时 fn 立即执行。返回的函数取消注册。
func (c *Conn) OnClose(fn func()) (remove func()) {
	c.hooksMu.Lock()
	if c.closed.Load() && c.hooks == nil {
		c.hooksMu.Unlock()
		fn()
		return func() {}
	}
	if c.hooks == nil {
		c.hooks = make(map[uint64]func())
	}
	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn
	c.hooksMu.Unlock()

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

// runCloseHooks 执行并清空关闭回调，回调在锁外执行
func (c *Conn) runCloseHooks() {
	c.hooksMu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// acceptStreams 入站流循环，会话结束时关闭连接
func (c *Conn) acceptStreams() {
	defer c.swarm.wg.Done()
	defer c.Close()

	for {
		st, err := c.up.AcceptStream()
		if err != nil {
			if !c.closed.Load() {
				logger.Debug("会话结束", "peer", c.RemotePeer().ShortString(), "error", err)
			}
			return
		}
		h := c.swarm.streamHandler()
		if h == nil {
			st.Reset()
			continue
		}
		go h(c, st)
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("<Conn %s %s %s (%s)>", c.id[:8], c.dir, c.RemotePeer().ShortString(), c.RemoteMultiaddr())
}
