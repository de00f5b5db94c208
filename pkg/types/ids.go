package types

import (
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// 文本形式为 Base58btc 编码的 multihash（Ed25519 公钥使用 identity
// multihash，形如 12D3KooW...），与 /p2p/<id> 多地址组件兼容。
type PeerID string

// EmptyPeerID 空节点 ID
const EmptyPeerID PeerID = ""

// String 返回 PeerID 的字符串表示
func (id PeerID) String() string {
	return string(id)
}

// ShortString 返回 PeerID 的短字符串表示（日志用）
func (id PeerID) ShortString() string {
	s := string(id)
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Validate 验证 PeerID 是合法的 Base58 multihash
func (id PeerID) Validate() error {
	if id.IsEmpty() {
		return ErrEmptyPeerID
	}
	_, err := id.Multihash()
	return err
}

// Multihash 返回 PeerID 的 multihash 字节
func (id PeerID) Multihash() (multihash.Multihash, error) {
	raw, err := base58.Decode(string(id))
	if err != nil {
		return nil, DecodeError("peer id base58", err)
	}
	mh, err := multihash.Cast(raw)
	if err != nil {
		return nil, DecodeError("peer id multihash", err)
	}
	return mh, nil
}

// ParsePeerID 从字符串解析并验证 PeerID
func ParsePeerID(s string) (PeerID, error) {
	id := PeerID(s)
	if err := id.Validate(); err != nil {
		return EmptyPeerID, err
	}
	return id, nil
}

// PeerIDFromMultihash 从 multihash 字节构造 PeerID
func PeerIDFromMultihash(mh multihash.Multihash) PeerID {
	return PeerID(base58.Encode(mh))
}

// ============================================================================
//                              ProtocolID - 协议标识
// ============================================================================

// ProtocolID 应用协议标识，如 /echo/1.0.0
type ProtocolID string

// String 返回协议 ID 的字符串表示
func (p ProtocolID) String() string {
	return string(p)
}

// ProtocolIDsToStrings 转换为字符串列表
func ProtocolIDsToStrings(ps []ProtocolID) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
