// Package interfaces 定义 webnode 组件间的公共接口
//
// 各层实现只依赖本包的接口，避免包之间的循环引用：
//
//	Transport   原始传输（websocket / webrtc / circuit）
//	SecureTransport  安全通道（noise）
//	StreamMuxer 流多路复用（mplex / yamux）
//	Conn / Stream    已升级的连接与协议流
//	Host        协议路由与流管理
//	EventBus    事件发布订阅
package interfaces
