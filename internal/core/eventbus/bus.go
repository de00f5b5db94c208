package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

// 默认订阅缓冲区大小
const defaultBuffer = 16

var (
	// ErrInvalidEventType 无效的事件类型
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrNonPointerType 订阅或发射器的事件类型不是指针
	ErrNonPointerType = errors.New("event type must be a pointer")

	// ErrEmitterClosed 发射器已关闭
	ErrEmitterClosed = errors.New("emitter closed")

	// ErrWrongEventType 发射的事件与发射器类型不符
	ErrWrongEventType = errors.New("wrong event type")
)

var _ pkgif.EventBus = (*Bus)(nil)

// Bus 事件总线
type Bus struct {
	mu    sync.Mutex
	nodes map[reflect.Type]*node
}

// node 单个事件类型的订阅者集合
type node struct {
	mu       sync.Mutex
	typ      reflect.Type
	sinks    []*Subscription
	keepLast bool
	last     any

	dropped atomic.Int64
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{nodes: make(map[reflect.Type]*node)}
}

// Subscribe 订阅事件
func (b *Bus) Subscribe(eventType any, opts ...pkgif.SubscriptionOpt) (pkgif.Subscription, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	settings := pkgif.SubscriptionSettings{Buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Buffer < 0 {
		settings.Buffer = 0
	}

	n := b.node(typ)
	sub := &Subscription{node: n, out: make(chan any, settings.Buffer)}

	n.mu.Lock()
	n.sinks = append(n.sinks, sub)
	if n.keepLast && n.last != nil {
		select {
		case sub.out <- n.last:
		default:
		}
	}
	n.mu.Unlock()

	return sub, nil
}

// Emitter 获取发射器
func (b *Bus) Emitter(eventType any, opts ...pkgif.EmitterOpt) (pkgif.Emitter, error) {
	typ, err := elemType(eventType)
	if err != nil {
		return nil, err
	}

	var settings pkgif.EmitterSettings
	for _, opt := range opts {
		opt(&settings)
	}

	n := b.node(typ)
	if settings.Stateful {
		n.mu.Lock()
		n.keepLast = true
		n.mu.Unlock()
	}
	return &Emitter{node: n}, nil
}

// node 获取或创建事件类型节点
func (b *Bus) node(typ reflect.Type) *node {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[typ]
	if !ok {
		n = &node{typ: typ}
		b.nodes[typ] = n
	}
	return n
}

func elemType(eventType any) (reflect.Type, error) {
	if eventType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(eventType)
	if typ.Kind() != reflect.Ptr {
		return nil, ErrNonPointerType
	}
	return typ.Elem(), nil
}

// emit 向所有订阅者投递事件，从不阻塞
func (n *node) emit(event any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.keepLast {
		n.last = event
	}
	for _, sub := range n.sinks {
		select {
		case sub.out <- event:
		default:
			// 每丢弃 100 个事件警告一次
			if dropped := n.dropped.Add(1); dropped%100 == 1 {
				logger.Warn("订阅者缓冲区已满，丢弃事件", "type", n.typ.String(), "dropped", dropped)
			}
		}
	}
}

func (n *node) remove(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.sinks {
		if s == sub {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			return
		}
	}
}

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription 事件订阅
type Subscription struct {
	node      *node
	out       chan any
	closeOnce sync.Once
}

// Out 返回事件通道
func (s *Subscription) Out() <-chan any {
	return s.out
}

// Close 取消订阅并关闭通道，可重复调用
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		// 先从节点移除，此后 emit 不会再写入该通道
		s.node.remove(s)
		close(s.out)
	})
	return nil
}

// ============================================================================
//                              Emitter
// ============================================================================

// Emitter 事件发射器
type Emitter struct {
	node   *node
	closed atomic.Bool
}

// Emit 发射事件
//
// 事件可以是值或指针，类型必须与发射器声明的类型一致。
func (e *Emitter) Emit(event any) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	typ := reflect.TypeOf(event)
	if typ != e.node.typ && !(typ != nil && typ.Kind() == reflect.Ptr && typ.Elem() == e.node.typ) {
		return fmt.Errorf("%w: got %v, want %v", ErrWrongEventType, typ, e.node.typ)
	}
	e.node.emit(event)
	return nil
}

// Close 关闭发射器
func (e *Emitter) Close() error {
	e.closed.Store(true)
	return nil
}
