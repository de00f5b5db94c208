package blockexchange

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

const (
	// DefaultFetchTimeout 单次网络取块超时
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxPeers 同时询问的节点数上限
	DefaultMaxPeers = 8

	// unsupportedCacheSize 记录不支持块交换的连接数
	unsupportedCacheSize = 256
)

// errFound 终止其余请求
var errFound = errors.New("block found")

// 确保实现接口
var _ blockstore.Getter = (*NetworkStore)(nil)

// NetworkStore 向已连接节点请求块
type NetworkStore struct {
	host     pkgif.Host
	local    blockstore.Putter
	timeout  time.Duration
	maxPeers int

	// unsupported 协商失败过的连接 ID，后续请求跳过
	unsupported *arc.ARCCache[string, struct{}]
}

// NetworkOption NetworkStore 选项
type NetworkOption func(*NetworkStore)

// WithFetchTimeout 设置单次取块超时
func WithFetchTimeout(d time.Duration) NetworkOption {
	return func(n *NetworkStore) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithMaxPeers 设置并发询问的节点数
func WithMaxPeers(max int) NetworkOption {
	return func(n *NetworkStore) {
		if max > 0 {
			n.maxPeers = max
		}
	}
}

// NewNetworkStore 创建网络块源，取到的块写入 local（可为 nil）
func NewNetworkStore(h pkgif.Host, local blockstore.Putter, opts ...NetworkOption) *NetworkStore {
	unsupported, _ := arc.NewARC[string, struct{}](unsupportedCacheSize)
	n := &NetworkStore{
		host:        h,
		local:       local,
		timeout:     DefaultFetchTimeout,
		maxPeers:    DefaultMaxPeers,
		unsupported: unsupported,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Get 并行询问已连接节点，返回第一个校验通过的块
func (n *NetworkStore) Get(ctx context.Context, c cid.Cid) (blockstore.Block, error) {
	conns := n.candidates()
	if len(conns) == 0 {
		return blockstore.Block{}, fmt.Errorf("block %s: no connected peers: %w", c, types.ErrNotFound)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var (
		found = make(chan blockstore.Block, 1)
		mu    sync.Mutex
		errs  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.maxPeers)
	for _, conn := range conns {
		g.Go(func() error {
			blk, err := n.fetch(gctx, conn, c)
			if err != nil {
				if errors.Is(err, types.ErrProtocolNotSupported) {
					n.unsupported.Add(conn.ID(), struct{}{})
				}
				if !errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrProtocolNotSupported) && gctx.Err() == nil {
					mu.Lock()
					errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", conn.RemotePeer().ShortString(), err))
					mu.Unlock()
				}
				return nil
			}
			select {
			case found <- blk:
			default:
			}
			return errFound
		})
	}
	_ = g.Wait()

	select {
	case blk := <-found:
		if n.local != nil {
			if err := n.local.PutBlock(ctx, blk); err != nil {
				logger.Warn("缓存网络块失败", "cid", c.String(), "error", err)
			}
		}
		return blk, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return blockstore.Block{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	if errs != nil {
		return blockstore.Block{}, multierr.Append(fmt.Errorf("block %s: %w", c, types.ErrNotFound), errs)
	}
	return blockstore.Block{}, fmt.Errorf("block %s: %w", c, types.ErrNotFound)
}

// Has 网络源不做存在性探测，总是返回 false
func (n *NetworkStore) Has(context.Context, cid.Cid) (bool, error) {
	return false, nil
}

// candidates 每个远端节点取一条未关闭且可能支持块交换的连接
func (n *NetworkStore) candidates() []pkgif.Conn {
	seen := make(map[types.PeerID]struct{})
	var out []pkgif.Conn
	for _, c := range n.host.Conns() {
		if c.IsClosed() || n.unsupported.Contains(c.ID()) {
			continue
		}
		if _, ok := seen[c.RemotePeer()]; ok {
			continue
		}
		seen[c.RemotePeer()] = struct{}{}
		out = append(out, c)
	}
	return out
}

// fetch 向单个节点请求块
func (n *NetworkStore) fetch(ctx context.Context, conn pkgif.Conn, c cid.Cid) (blockstore.Block, error) {
	st, err := n.host.NewStreamOnConn(ctx, conn, ProtocolID)
	if err != nil {
		return blockstore.Block{}, err
	}
	defer st.Close()

	stop := context.AfterFunc(ctx, func() { st.Reset() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	if err := writeRequest(st, c); err != nil {
		return blockstore.Block{}, err
	}
	if err := st.CloseWrite(); err != nil {
		return blockstore.Block{}, err
	}
	status, data, err := readResponse(bufio.NewReader(st))
	if err != nil {
		return blockstore.Block{}, err
	}
	switch status {
	case StatusOK:
	case StatusNotFound:
		return blockstore.Block{}, types.ErrNotFound
	default:
		return blockstore.Block{}, fmt.Errorf("remote returned %s", status)
	}

	blk, err := blockstore.NewBlockWithCid(data, c)
	if err != nil {
		logger.Warn("收到与 CID 不符的块", "peer", conn.RemotePeer().ShortString(), "cid", c.String())
		return blockstore.Block{}, err
	}
	return blk, nil
}
