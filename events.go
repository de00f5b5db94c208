package webnode

import (
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// EventType 节点事件类型
type EventType string

const (
	// EventConnectionOpen 连接已建立
	EventConnectionOpen EventType = "connection:open"

	// EventConnectionClose 连接已关闭
	EventConnectionClose EventType = "connection:close"

	// EventSelfPeerUpdate 本节点可拨号地址变化
	EventSelfPeerUpdate EventType = "self:peer:update"
)

// subscriptionBuffer 每个订阅的事件缓冲
const subscriptionBuffer = 32

// Event 节点事件
//
// 连接事件携带 Conn；self:peer:update 携带最新的完整地址。
type Event struct {
	Type       EventType
	Conn       pkgif.Conn
	Multiaddrs []ma.Multiaddr
}

// Subscription 节点事件订阅
type Subscription struct {
	out  chan Event
	subs []pkgif.Subscription
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Subscribe 订阅节点事件
//
// 订阅时会立即收到一次当前地址（若已发布过）。
func (n *Node) Subscribe() (*Subscription, error) {
	if err := n.checkClosed(); err != nil {
		return nil, err
	}
	bus := n.host.EventBus()
	s := &Subscription{
		out:  make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
	}

	kinds := []struct {
		typ     any
		convert func(any) Event
	}{
		{new(pkgif.EvtConnectionOpened), func(e any) Event {
			return Event{Type: EventConnectionOpen, Conn: e.(pkgif.EvtConnectionOpened).Conn}
		}},
		{new(pkgif.EvtConnectionClosed), func(e any) Event {
			return Event{Type: EventConnectionClose, Conn: e.(pkgif.EvtConnectionClosed).Conn}
		}},
		{new(pkgif.EvtLocalAddrsUpdated), func(any) Event {
			return Event{Type: EventSelfPeerUpdate, Multiaddrs: n.Multiaddrs()}
		}},
	}

	for _, k := range kinds {
		sub, err := bus.Subscribe(k.typ, pkgif.BufSize(subscriptionBuffer))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.forward(sub, k.convert)
	}
	return s, nil
}

func (s *Subscription) forward(sub pkgif.Subscription, convert func(any) Event) {
	defer s.wg.Done()
	for e := range sub.Out() {
		select {
		case s.out <- convert(e):
		case <-s.done:
			return
		}
	}
}

// Out 返回事件通道，Close 后关闭
func (s *Subscription) Out() <-chan Event {
	return s.out
}

// Close 取消订阅，可重复调用
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			err = multierr.Append(err, sub.Close())
		}
		s.wg.Wait()
		close(s.out)
	})
	return err
}
