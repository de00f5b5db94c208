// Package relay 定义电路中继协议
//
// 中继分两个子协议：
//
//	HopID   客户端 → 中继：RESERVE 预留、CONNECT 建立电路
//	StopID  中继 → 目标：STOP_CONNECT 通知有入站电路
//
// 每条消息为 uvarint 长度前缀的 protobuf 编码：
//
//	1: type     (varint)
//	2: peer     (bytes, multihash)
//	3: ttl      (varint, 秒)
//	4: addrs    (repeated bytes, 多地址二进制)
//	5: status   (varint)
//
// 服务端实现见 relay/server，客户端与电路传输见 relay/client。
package relay
