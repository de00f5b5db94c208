// Package blockexchange 实现节点间按 CID 交换块的协议
//
// 协议 /webnode/blocks/1.0.0，一条流上可以依次发送多个请求：
//
//	请求：uvarint(len) | CID 二进制
//	响应：status(1 字节) | uvarint(len) | 块内容
//
// 服务端只从本地块存储回答。客户端 NetworkStore 并行询问已连接的节点，
// 第一个通过 CID 校验的应答获胜，并写入本地存储。
package blockexchange
