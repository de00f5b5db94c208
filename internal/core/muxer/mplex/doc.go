// Package mplex 实现 mplex 流多路复用协议（/mplex/6.7.0）
//
// 帧格式：
//
//	uvarint(streamID<<3 | flag) uvarint(len) payload
//
// flag 取值：
//
//	0 NewStream          payload 为流名称
//	1 MessageReceiver    2 MessageInitiator
//	3 CloseReceiver      4 CloseInitiator
//	5 ResetReceiver      6 ResetInitiator
//
// 流编号由发起方分配，同一编号在发起方与接收方各成一个命名空间，
// 通过 flag 的 Initiator/Receiver 后缀区分。
//
// 每个会话一个读循环和一个写循环：写循环按入队顺序串行发送所有流的帧；
// 读循环把数据投递到各流的有界缓冲区，某个流的缓冲区持续写满超过
// ReceiveTimeout 时仅该流被重置，不影响同一会话上的其他流。
package mplex
