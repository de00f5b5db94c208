// Package echo 实现 /echo/1.0.0 回显协议
//
// 服务端把读到的字节原样写回，直到对端关闭写端。
// 客户端可以发送一次性消息（Echo），也可以打开长连接会话（Session），
// 会话的出站消息经队列交给唯一的写协程。
package echo
