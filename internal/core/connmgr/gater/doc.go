// Package gater 实现连接门控器
//
// 门控在连接建立的各个阶段进行检查，决定是否允许连接继续：
//
//   - InterceptPeerDial: 拨号前检查目标节点
//   - InterceptAddrDial: 每次拨号尝试前检查目标地址
//   - InterceptAccept: 接受入站连接前检查
//   - InterceptSecured: 安全握手后检查
//
// 默认策略不拒绝任何连接。
//
//	g := gater.New()
//	g.BlockPeer(peerID)
//
//	if !g.InterceptAddrDial(peerID, addr) {
//	    // 拨号被拒绝
//	}
package gater
