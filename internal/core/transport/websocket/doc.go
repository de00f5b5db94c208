// Package websocket 提供基于 WebSocket 的传输层实现
//
// 支持的地址格式：
//
//	/ip4/<ip>/tcp/<port>/ws
//	/ip6/<ip>/tcp/<port>/ws
//	/dns4/<host>/tcp/<port>/wss/p2p/<id>
//
// 每个 WebSocket 二进制消息承载一段字节流，连接对上层表现为 net.Conn。
// 监听只支持 /ws（本包不负责证书），拨号支持 ws 与 wss。
//
// 拨号地址可以通过 Filter 限制，FilterDNSOverTLS 只允许 /dns*/…/wss，
// 即浏览器环境下唯一可用的形式。
//
// 注意：WebSocket 传输不提供加密与多路复用，需要配合升级器使用。
package websocket
