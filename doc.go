// Package webnode 提供一个最小的 P2P 节点核心
//
// 节点组合了三部分能力：
//
//   - 多传输连接：WebSocket 直连，以及经电路中继信令建立的 WebRTC 连接
//   - 单连接上的流多路复用（mplex / yamux），Noise 加密
//   - 内容寻址块存储，以及其上的定长分块文件层
//
// # 快速开始
//
//	node, err := webnode.New(
//	    webnode.WithListenAddrs("/ip4/0.0.0.0/tcp/4002/ws"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	conn, err := node.Dial(ctx, "/dns4/relay.example.com/tcp/443/wss/p2p/12D3Koo...")
//	reply, err := node.Echo(ctx, conn, []byte("ping\n"))
//
//	root, err := node.AddBytes(ctx, data)
//	data, err = node.Retrieve(ctx, root)
//
// # 事件
//
// Subscribe 返回节点事件通道，事件类型为 connection:open、
// connection:close 与 self:peer:update。订阅者读取过慢时事件会被丢弃。
//
// # 内容获取
//
// Cat 先读本地块存储，缺失的块向已连接的节点并行请求
// （/webnode/blocks/1.0.0），校验 CID 后缓存到本地。
package webnode
