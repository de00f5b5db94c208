// Package host 实现协议路由主机
//
// Host 在 Swarm 之上提供按协议名称路由的流：
//
//   - 出站：在连接上打开原始流，用 multistream-select 协商协议
//   - 入站：对 Swarm 交付的原始流进行服务端协商，路由到注册的处理函数；
//     没有匹配的处理函数时重置流
//   - 地址：监听地址与中继预留地址的并集，变化时发布 EvtLocalAddrsUpdated
//
// # 使用示例
//
//	h, err := host.New(swarm, bus)
//
//	h.SetStreamHandler("/echo/1.0.0", func(s pkgif.Stream) {
//	    defer s.Close()
//	    io.Copy(s, s)
//	})
//
//	s, err := h.NewStream(ctx, peerID, "/echo/1.0.0")
package host
