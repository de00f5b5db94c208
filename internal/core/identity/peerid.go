package identity

import (
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/dep2p/go-webnode/pkg/types"
)

// maxInlineKeyLength 序列化公钥不超过该长度时使用 identity multihash
const maxInlineKeyLength = 42

// PeerIDFromPublicKey 从公钥派生 PeerID
func PeerIDFromPublicKey(pub *PublicKey) (types.PeerID, error) {
	if pub == nil {
		return types.EmptyPeerID, ErrInvalidKey
	}
	data := MarshalPublicKey(pub)

	code := uint64(multihash.SHA2_256)
	if len(data) <= maxInlineKeyLength {
		code = multihash.IDENTITY
	}
	mh, err := multihash.Sum(data, code, -1)
	if err != nil {
		return types.EmptyPeerID, fmt.Errorf("hash public key: %w", err)
	}
	return types.PeerIDFromMultihash(mh), nil
}

// PublicKeyFromPeerID 从 inline PeerID 中提取公钥
//
// 仅 identity multihash 形式的 PeerID 携带公钥。
func PublicKeyFromPeerID(id types.PeerID) (*PublicKey, error) {
	mh, err := id.Multihash()
	if err != nil {
		return nil, err
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return nil, types.DecodeError("peer id multihash", err)
	}
	if decoded.Code != multihash.IDENTITY {
		return nil, fmt.Errorf("%w: peer id does not embed a public key", ErrInvalidKey)
	}
	return UnmarshalPublicKey(decoded.Digest)
}

// MatchesPublicKey 检查公钥是否对应给定 PeerID
func MatchesPublicKey(id types.PeerID, pub *PublicKey) bool {
	derived, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return derived == id
}
