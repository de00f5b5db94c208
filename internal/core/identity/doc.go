// Package identity 提供节点身份管理
//
// 身份是一对 Ed25519 密钥，节点启动时生成（或从密钥文件加载），此后不可变。
// PeerID 由序列化公钥派生：
//
//	PeerID = Base58(multihash(protobuf(PublicKey{Type, Data})))
//
// 序列化公钥不超过 42 字节时使用 identity multihash，否则使用 sha2-256，
// 与 libp2p 的 PeerID 格式兼容。
package identity
