// Package server 实现电路中继服务端
//
// 服务端处理两类 HOP 请求：
//
//   - RESERVE：为请求方登记有 TTL 的预留，并返回
//     <relay-addr>/p2p/<relay>/p2p-circuit 形式的地址
//   - CONNECT：检查目标预留，在到目标的连接上打开 STOP 流，
//     成功后双向拼接两条流
//
// 预留在 TTL 到期或节点断开全部连接时释放。时钟可替换，
// 测试中使用 clock.NewMock 推进时间。
package server
