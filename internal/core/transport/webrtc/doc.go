// Package webrtc 实现经中继信令的浏览器式 WebRTC 传输
//
// 节点在 /webrtc 上监听后，注册 /webrtc-signaling/0.0.1 协议处理器。
// 拨号方先经电路中继连接到目标，在中继连接上打开信令流，
// 交换 SDP offer/answer 与 trickle ICE 候选（长度前缀 protobuf 帧）。
// 数据通道打开后信令流关闭，流量不再经过中继。
//
// 数据通道以分离模式使用，得到的 Conn 作为原始连接，
// 与 WebSocket 一样再经过 Noise 与多路复用升级。
//
// 地址格式：
//
//	<relay-addr>/p2p/<relay>/p2p-circuit/webrtc/p2p/<target>
package webrtc
