package swarm

import (
	"context"
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// Dial 拨号到多地址
//
// 地址末尾的 /p2p/<id> 作为期望的远端身份；省略时接受任意身份。
// 失败时返回 *types.DialError，errors.Is(err, types.ErrDialFailed) 成立。
func (s *Swarm) Dial(ctx context.Context, addr ma.Multiaddr) (*Conn, error) {
	if addr == nil {
		return nil, &types.DialError{Err: addrutil.ErrEmptyAddress}
	}
	_, peer := addrutil.SplitPeer(addr)
	c, err := s.dialAddr(ctx, peer, addr)
	if err != nil {
		return nil, err
	}
	s.AddAddrs(c.RemotePeer(), addr)
	return c, nil
}

// DialPeer 返回到节点的已有连接，没有时依次尝试已知地址
func (s *Swarm) DialPeer(ctx context.Context, peer types.PeerID) (*Conn, error) {
	if peer == s.local {
		return nil, &types.DialError{Peer: peer, Err: ErrDialToSelf}
	}
	if cs := s.ConnsToPeer(peer); len(cs) > 0 {
		return cs[0], nil
	}
	if s.gater != nil && !s.gater.InterceptPeerDial(peer) {
		s.metrics.DialResult(metrics.ResultGated)
		return nil, &types.DialError{Peer: peer, Err: types.ErrGated}
	}

	addrs := s.PeerAddrs(peer)
	if len(addrs) == 0 {
		return nil, &types.DialError{Peer: peer, Err: ErrNoAddresses}
	}

	var errs error
	for _, addr := range addrs {
		c, err := s.dialAddr(ctx, peer, addr)
		if err == nil {
			return c, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &types.DialError{Peer: peer, Err: errs}
}

// dialAddr 单次拨号尝试：门控 → 传输 → 升级 → 登记
func (s *Swarm) dialAddr(ctx context.Context, peer types.PeerID, addr ma.Multiaddr) (*Conn, error) {
	fail := func(result string, err error) (*Conn, error) {
		s.metrics.DialResult(result)
		logger.Debug("拨号失败", "peer", peer.ShortString(), "addr", addr, "error", err)
		return nil, &types.DialError{Peer: peer, Addr: addr.String(), Err: err}
	}

	if s.closed.Load() {
		return fail(metrics.ResultFailed, ErrSwarmClosed)
	}
	if peer == s.local {
		return fail(metrics.ResultFailed, ErrDialToSelf)
	}
	if s.gater != nil && !s.gater.InterceptAddrDial(peer, addr) {
		return fail(metrics.ResultGated, types.ErrGated)
	}

	t := s.transportForDial(addr)
	if t == nil {
		return fail(metrics.ResultNoRoute, types.ErrNoTransport)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
	}

	raw, err := t.Dial(ctx, addr, peer)
	if err != nil {
		return fail(dialResult(ctx, err), err)
	}

	up, err := s.upgrader.Upgrade(ctx, raw, types.DirOutbound, peer)
	if err != nil {
		// 升级失败时 raw 已关闭
		return fail(dialResult(ctx, err), err)
	}
	if up.RemotePeer() == s.local {
		up.Close()
		return fail(metrics.ResultFailed, ErrDialToSelf)
	}

	c := newConn(s, up, types.DirOutbound, t.Name())
	if err := s.addConn(c); err != nil {
		c.closeUnregistered()
		return fail(metrics.ResultFailed, err)
	}
	s.metrics.DialResult(metrics.ResultOK)
	return c, nil
}

// transportForDial 返回第一个能拨号该地址的传输
func (s *Swarm) transportForDial(addr ma.Multiaddr) pkgif.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transports {
		if t.CanDial(addr) {
			return t
		}
	}
	return nil
}

func dialResult(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, types.ErrGated):
		return metrics.ResultGated
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	default:
		return metrics.ResultFailed
	}
}

// String 用于日志
func (s *Swarm) String() string {
	return fmt.Sprintf("<Swarm %s>", s.local.ShortString())
}
