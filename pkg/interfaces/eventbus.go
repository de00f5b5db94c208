package interfaces

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// EventBus 定义事件总线接口
//
// 事件按类型分发，eventType 为事件结构体指针，如 new(EvtConnectionOpened)。
type EventBus interface {
	// Subscribe 订阅指定类型的事件
	Subscribe(eventType any, opts ...SubscriptionOpt) (Subscription, error)

	// Emitter 获取指定事件类型的发射器
	Emitter(eventType any, opts ...EmitterOpt) (Emitter, error)
}

// Subscription 定义事件订阅接口
type Subscription interface {
	// Out 返回接收事件的通道，订阅关闭后通道关闭
	Out() <-chan any

	// Close 取消订阅
	Close() error
}

// Emitter 定义事件发射器接口
type Emitter interface {
	// Emit 发射事件
	Emit(event any) error

	// Close 关闭发射器
	Close() error
}

// SubscriptionOpt 订阅选项
type SubscriptionOpt func(*SubscriptionSettings)

// EmitterOpt 发射器选项
type EmitterOpt func(*EmitterSettings)

// SubscriptionSettings 订阅设置
type SubscriptionSettings struct {
	Buffer int
}

// EmitterSettings 发射器设置
type EmitterSettings struct {
	Stateful bool
}

// BufSize 设置订阅缓冲区大小
func BufSize(size int) SubscriptionOpt {
	return func(s *SubscriptionSettings) {
		s.Buffer = size
	}
}

// Stateful 设置发射器为有状态模式，新订阅者立即收到最后一个事件
func Stateful() EmitterOpt {
	return func(s *EmitterSettings) {
		s.Stateful = true
	}
}

// ============================================================================
//                              事件类型
// ============================================================================

// EvtConnectionOpened 连接已建立（connection:open）
type EvtConnectionOpened struct {
	Conn Conn
}

// EvtConnectionClosed 连接已关闭（connection:close）
type EvtConnectionClosed struct {
	Conn Conn
}

// EvtLocalAddrsUpdated 本地地址变化（self:peer:update）
//
// 监听地址或中继预约地址变化时触发。
type EvtLocalAddrsUpdated struct {
	Current []ma.Multiaddr
}

// EvtRelayReserved 中继预约成功
type EvtRelayReserved struct {
	Relay types.PeerID
	Addrs []ma.Multiaddr
}

// EvtPeerIdentified 对端身份交换完成
//
// Protocols 为对端声明支持的全部协议（已排序）。
type EvtPeerIdentified struct {
	Peer        types.PeerID
	Conn        Conn
	Protocols   []types.ProtocolID
	ListenAddrs []ma.Multiaddr
}
