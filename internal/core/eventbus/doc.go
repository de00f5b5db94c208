// Package eventbus 实现类型化事件总线
//
// 事件按 Go 类型路由，订阅与发射均以事件结构体指针声明类型：
//
//	sub, _ := bus.Subscribe(new(interfaces.EvtConnectionOpened))
//	em, _ := bus.Emitter(new(interfaces.EvtConnectionOpened))
//	em.Emit(interfaces.EvtConnectionOpened{Conn: c})
//
// 发射从不阻塞：订阅者缓冲区满时事件被丢弃并计数。
package eventbus
