package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"

	tec "github.com/jbenet/go-temp-err-catcher"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// Listen 在多个地址上并行监听
//
// 任一地址失败时关闭本次已建立的监听器并返回错误。
func (s *Swarm) Listen(addrs ...ma.Multiaddr) error {
	if s.closed.Load() {
		return ErrSwarmClosed
	}
	if len(addrs) == 0 {
		return ErrNoListenAddrs
	}

	listeners := make([]pkgif.Listener, len(addrs))
	names := make([]string, len(addrs))
	var g errgroup.Group
	for i, addr := range addrs {
		g.Go(func() error {
			t := s.transportForListen(addr)
			if t == nil {
				return fmt.Errorf("listen %s: %w", addr, types.ErrNoTransport)
			}
			l, err := t.Listen(addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			listeners[i] = l
			names[i] = t.Name()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range listeners {
			if l != nil {
				l.Close()
			}
		}
		logger.Warn("监听失败", "error", err)
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}
		return ErrSwarmClosed
	}
	s.listeners = append(s.listeners, listeners...)
	s.wg.Add(len(listeners))
	s.mu.Unlock()

	for i, l := range listeners {
		logger.Info("开始监听", "addr", l.Multiaddr(), "transport", names[i])
		go s.acceptLoop(l, names[i])
	}
	return nil
}

// ListenAddrs 返回所有监听地址
func (s *Swarm) ListenAddrs() []ma.Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ma.Multiaddr, 0, len(s.listeners))
	for _, l := range s.listeners {
		if a := l.Multiaddr(); a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (s *Swarm) transportForListen(addr ma.Multiaddr) pkgif.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transports {
		if t.CanListen(addr) {
			return t
		}
	}
	return nil
}

// acceptLoop 接受原始连接并异步升级
//
// 临时错误退避后重试，其余错误结束该监听器。
func (s *Swarm) acceptLoop(l pkgif.Listener, transport string) {
	defer s.wg.Done()

	var catcher tec.TempErrCatcher
	for {
		raw, err := l.Accept()
		if err != nil {
			if catcher.IsTemporary(err) && !s.closed.Load() {
				logger.Debug("接受连接临时失败", "addr", l.Multiaddr(), "error", err)
				continue
			}
			if !s.closed.Load() && !errors.Is(err, net.ErrClosed) {
				logger.Warn("接受连接失败，停止监听", "addr", l.Multiaddr(), "error", err)
			}
			s.removeListener(l)
			return
		}
		catcher.Reset()

		if s.gater != nil && !s.gater.InterceptAccept(raw.RemoteMultiaddr()) {
			logger.Debug("入站连接被门控拒绝", "remote", raw.RemoteMultiaddr())
			raw.Close()
			continue
		}

		s.wg.Add(1)
		go s.upgradeInbound(raw, transport)
	}
}

func (s *Swarm) upgradeInbound(raw pkgif.RawConn, transport string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.dialTimeout)
	defer cancel()

	up, err := s.upgrader.Upgrade(ctx, raw, types.DirInbound, types.EmptyPeerID)
	if err != nil {
		logger.Debug("入站连接升级失败", "remote", raw.RemoteMultiaddr(), "error", err)
		return
	}
	if up.RemotePeer() == s.local {
		up.Close()
		return
	}

	c := newConn(s, up, types.DirInbound, transport)
	if err := s.addConn(c); err != nil {
		c.closeUnregistered()
	}
}

func (s *Swarm) removeListener(l pkgif.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.listeners {
		if x == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}
