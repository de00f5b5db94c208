// Package client 实现电路中继客户端与电路传输
//
// 客户端在中继上预留以获得 <relay-addr>/p2p/<relay>/p2p-circuit 地址，
// 通过 STOP 协议接受中继转来的电路，并以 Transport 的形式接入 Swarm：
//
//	c := client.New()
//	swarm.New(id, up, swarm.WithTransports(ws, c.Transport()))
//	h, _ := host.New(s, bus)
//	c.Bind(h)
//
// AutoRelay 在对端经身份交换声明支持 hop 协议后自动尝试预留。
package client
