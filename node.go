package webnode

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/core/connmgr/gater"
	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/peerstore"
	"github.com/dep2p/go-webnode/internal/core/relay/client"
	"github.com/dep2p/go-webnode/internal/core/relay/server"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/internal/core/storage/unixfs"
	"github.com/dep2p/go-webnode/internal/protocol/echo"
	"github.com/dep2p/go-webnode/internal/protocol/identify"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("webnode")

const (
	// startTimeout Fx App 启动超时
	startTimeout = 30 * time.Second

	// stopTimeout Fx App 停止超时
	stopTimeout = 30 * time.Second
)

// ════════════════════════════════════════════════════════════════════════════
//                              Node
// ════════════════════════════════════════════════════════════════════════════

// Node P2P 节点
//
// 由 New 显式构建，Start 开始监听，Close 释放所有资源。
// Close 之后节点不可再启动。
type Node struct {
	config *config.Config
	app    *fx.App

	// 由 Fx 注入
	host        *host.Host
	metrics     *metrics.Metrics
	gater       *gater.Gater
	peerstore   *peerstore.Peerstore
	identify    *identify.Service
	local       *blockstore.Store
	store       *blockstore.MultiStore
	fs          *unixfs.FS
	relayClient *client.Client
	relayServer *server.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

// New 创建节点
//
// 所有组件在此时构建完成，但直到 Start 才开始监听。
func New(opts ...Option) (*Node, error) {
	o := newOptions()
	if err := o.apply(opts...); err != nil {
		return nil, fmt.Errorf("apply options: %w", err)
	}

	node := &Node{config: o.config}
	app, err := buildFxApp(o, node)
	if err != nil {
		return nil, fmt.Errorf("build node: %w", err)
	}
	node.app = app
	logger.Debug("节点已创建", "id", node.host.ID().ShortString())
	return node, nil
}

// Start 启动节点并监听配置的地址
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		logger.Error("节点启动失败", "error", err)
		return fmt.Errorf("start failed: %w", err)
	}

	n.started = true
	logger.Info("节点已启动", "id", n.host.ID().ShortString(), "addrs", len(n.host.Addrs()))
	return nil
}

// Close 关闭节点，可重复调用
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	if !n.started {
		// 未启动时 Fx 不会执行 OnStop，直接关闭已构建的组件
		return n.closeUnstarted()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := n.app.Stop(ctx); err != nil {
		logger.Warn("停止 Fx 应用失败", "error", err)
		return fmt.Errorf("stop: %w", err)
	}
	n.started = false
	logger.Info("节点已关闭")
	return nil
}

func (n *Node) closeUnstarted() error {
	var err error
	if n.relayServer != nil {
		err = multierr.Append(err, n.relayServer.Close())
	}
	if n.relayClient != nil {
		err = multierr.Append(err, n.relayClient.Close())
	}
	if n.identify != nil {
		err = multierr.Append(err, n.identify.Close())
	}
	return multierr.Append(err, n.host.Close())
}

// checkClosed 仅拒绝已关闭的节点，未启动时本地操作仍可用
func (n *Node) checkClosed() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	return nil
}

func (n *Node) checkRunning() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.closed:
		return ErrNodeClosed
	case !n.started:
		return ErrNotStarted
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份与地址
// ════════════════════════════════════════════════════════════════════════════

// ID 返回节点 ID
func (n *Node) ID() types.PeerID {
	return n.host.ID()
}

// Config 返回节点配置的副本
func (n *Node) Config() *config.Config {
	return n.config.Clone()
}

// Multiaddrs 返回可供他人拨号的完整地址（含 /p2p/<id>）
//
// 中继预留变化时结果随之变化，并发出 self:peer:update 事件。
func (n *Node) Multiaddrs() []ma.Multiaddr {
	addrs := n.host.Addrs()
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		full, err := addrutil.WithPeer(a, n.host.ID())
		if err != nil {
			logger.Debug("跳过无法附加节点 ID 的地址", "addr", a, "error", err)
			continue
		}
		out = append(out, full)
	}
	return out
}

// ════════════════════════════════════════════════════════════════════════════
//                              连接与流
// ════════════════════════════════════════════════════════════════════════════

// Dial 解析多地址字符串并拨号
//
// 地址格式错误时返回 types.ErrDecode；拨号失败返回 types.ErrDialFailed。
func (n *Node) Dial(ctx context.Context, addr string) (pkgif.Conn, error) {
	a, err := addrutil.Parse(addr)
	if err != nil {
		return nil, err
	}
	return n.DialAddr(ctx, a)
}

// DialAddr 拨号多地址
func (n *Node) DialAddr(ctx context.Context, addr ma.Multiaddr) (pkgif.Conn, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.host.Connect(ctx, addr)
}

// Connections 返回当前所有连接
func (n *Node) Connections() []pkgif.Conn {
	return n.host.Conns()
}

// Handle 注册协议处理器，同一协议重复注册时替换
func (n *Node) Handle(proto types.ProtocolID, handler pkgif.StreamHandler) error {
	if err := n.checkClosed(); err != nil {
		return err
	}
	n.host.SetStreamHandler(proto, handler)
	return nil
}

// Unhandle 移除协议处理器
func (n *Node) Unhandle(proto types.ProtocolID) error {
	if err := n.checkClosed(); err != nil {
		return err
	}
	n.host.RemoveStreamHandler(proto)
	return nil
}

// Protocols 返回已注册的协议
func (n *Node) Protocols() []types.ProtocolID {
	return n.host.Protocols()
}

// NewStream 在到 peer 的已有连接上打开协议流
func (n *Node) NewStream(ctx context.Context, peer types.PeerID, protos ...types.ProtocolID) (pkgif.Stream, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.host.NewStream(ctx, peer, protos...)
}

// NewStreamOnConn 在指定连接上打开协议流
func (n *Node) NewStreamOnConn(ctx context.Context, conn pkgif.Conn, protos ...types.ProtocolID) (pkgif.Stream, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.host.NewStreamOnConn(ctx, conn, protos...)
}

// Gater 返回连接门控，可在运行时封禁节点或地址
func (n *Node) Gater() *gater.Gater {
	return n.gater
}

// Host 返回底层 Host
func (n *Node) Host() *host.Host {
	return n.host
}

// Peerstore 返回经身份交换得到的对端协议与地址
func (n *Node) Peerstore() *peerstore.Peerstore {
	return n.peerstore
}

// ════════════════════════════════════════════════════════════════════════════
//                              中继
// ════════════════════════════════════════════════════════════════════════════

// Reserve 拨号中继并在其上预留
//
// 成功后本节点的 Multiaddrs 包含经该中继的电路地址。
func (n *Node) Reserve(ctx context.Context, relayAddr string) (*client.Reservation, error) {
	if n.relayClient == nil {
		return nil, ErrRelayClientDisabled
	}
	conn, err := n.Dial(ctx, relayAddr)
	if err != nil {
		return nil, err
	}
	return n.relayClient.Reserve(ctx, conn)
}

// Reservations 返回当前的中继预留
func (n *Node) Reservations() []client.Reservation {
	if n.relayClient == nil {
		return nil
	}
	return n.relayClient.Reservations()
}

// ════════════════════════════════════════════════════════════════════════════
//                              Echo
// ════════════════════════════════════════════════════════════════════════════

// Echo 在连接上发送一条消息并返回对端回显
func (n *Node) Echo(ctx context.Context, conn pkgif.Conn, msg []byte) ([]byte, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return echo.Echo(ctx, n.host, conn, msg)
}

// OpenEcho 打开长连接 echo 会话，消息经出站队列写入
func (n *Node) OpenEcho(ctx context.Context, conn pkgif.Conn, queueSize int) (*echo.Session, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return echo.Open(ctx, n.host, conn, queueSize)
}

// ════════════════════════════════════════════════════════════════════════════
//                              内容
// ════════════════════════════════════════════════════════════════════════════

// AddBytes 分块存储数据，返回根 CID
//
// 相同内容与相同分块参数总是得到相同的 CID。空输入也得到一个合法 CID。
func (n *Node) AddBytes(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := n.checkClosed(); err != nil {
		return cid.Undef, err
	}
	return n.fs.AddBytes(ctx, data)
}

// AddReader 分块存储流中的数据
func (n *Node) AddReader(ctx context.Context, r io.Reader) (cid.Cid, error) {
	if err := n.checkClosed(); err != nil {
		return cid.Undef, err
	}
	return n.fs.AddReader(ctx, r)
}

// Cat 按顺序遍历文件内容
//
// 本地缺失的块向已连接的节点获取；获取失败时遍历中止并在 Err 中给出原因。
// 节点已关闭时遍历不产出块，Err 返回 ErrNodeClosed。
func (n *Node) Cat(ctx context.Context, root cid.Cid) *unixfs.Traversal {
	if err := n.checkClosed(); err != nil {
		return unixfs.Failed(err)
	}
	return n.fs.Cat(ctx, root)
}

// Retrieve 读取完整文件内容
func (n *Node) Retrieve(ctx context.Context, root cid.Cid) ([]byte, error) {
	if err := n.checkClosed(); err != nil {
		return nil, err
	}
	r := n.fs.Cat(ctx, root).Reader()
	defer r.Close()
	return io.ReadAll(r)
}

// Stat 返回文件统计
func (n *Node) Stat(ctx context.Context, root cid.Cid) (unixfs.FileStat, error) {
	if err := n.checkClosed(); err != nil {
		return unixfs.FileStat{}, err
	}
	return n.fs.Stat(ctx, root)
}

// Blockstore 返回节点的块存储（本地优先，缺失时经网络获取）
func (n *Node) Blockstore() blockstore.Blockstore {
	return n.store
}

// ════════════════════════════════════════════════════════════════════════════
//                              指标
// ════════════════════════════════════════════════════════════════════════════

// Metrics 返回节点的 Prometheus 注册表
func (n *Node) Metrics() *prometheus.Registry {
	return n.metrics.Registry()
}
