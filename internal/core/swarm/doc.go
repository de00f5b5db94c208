// Package swarm 实现连接群管理
//
// Swarm 是 Host 的底层引擎，负责：
//
//   - 拨号：门控检查 → 选择传输 → 原始连接 → 升级器（安全 + 多路复用）
//   - 监听：为每个监听器运行 Accept 循环，入站连接同样经过升级器
//   - 连接池：按节点索引的已升级连接，关闭时自动注销
//   - 事件：连接建立/关闭时在事件总线上发布 EvtConnectionOpened / EvtConnectionClosed
//
// 升级完成之前不会登记连接；升级失败时原始连接已被完全关闭。
//
//	s, err := swarm.New(localID, up,
//	    swarm.WithGater(g),
//	    swarm.WithEventBus(bus),
//	)
//	s.AddTransport(websocket.New())
//
//	conn, err := s.Dial(ctx, addr)
package swarm
