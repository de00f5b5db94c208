// Package noise 实现 Noise 协议安全传输
//
// 本实现遵循 libp2p-noise 规范，协议标识 /noise。
//
// Noise XX 握手流程：
//
//	-> e                                      (发起者发送临时公钥)
//	<- e, ee, s, es, payload                  (响应者发送临时公钥、静态公钥、payload)
//	-> s, se, payload                         (发起者发送静态公钥、payload)
//
// payload 包含：
//   - identity_key: Ed25519 身份公钥（protobuf 序列化）
//   - identity_sig: Sign("noise-libp2p-static-key:" + curve25519_static_pubkey)
//
// 握手与传输消息均以 2 字节大端长度为前缀，单帧密文不超过 65535 字节，
// 较大的明文写入被拆分为多帧。任何握手失败都会关闭底层连接，不回退明文。
package noise
