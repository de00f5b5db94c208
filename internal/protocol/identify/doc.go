// Package identify 实现 /webnode/id/1.0.0 身份交换协议
//
// 每条新连接建立后，双方各自打开一条 identify 流读取对端信息：
// 支持的协议、监听地址、观测到的本端地址与代理版本。
// 结果写入 peerstore 并同步到 Swarm 地址簿，随后发布 EvtPeerIdentified。
//
// # 消息格式
//
// 服务端写入一条 JSON 编码的 Info 后关闭流，消息不超过 MaxMessageSize。
//
// # 使用示例
//
//	ps := peerstore.New(0)
//	svc, err := identify.New(h, ps)
//	defer svc.Close()
//	info, err := svc.IdentifyConn(ctx, conn)
package identify
