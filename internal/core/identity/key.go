package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-webnode/pkg/types"
)

// KeyType 序列化公钥中的密钥类型
type KeyType int32

const (
	// KeyTypeEd25519 Ed25519 密钥（protobuf 枚举值 1）
	KeyTypeEd25519 KeyType = 1
)

var (
	// ErrUnsupportedKeyType 不支持的密钥类型
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrInvalidKey 密钥长度或格式无效
	ErrInvalidKey = errors.New("invalid key")
)

// PublicKey Ed25519 公钥
type PublicKey struct {
	key ed25519.PublicKey
}

// PrivateKey Ed25519 私钥
type PrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateKey 生成新的 Ed25519 密钥对
func GenerateKey(r io.Reader) (*PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &PrivateKey{key: priv}, nil
}

// PrivateKeyFromSeed 从 32 字节种子构造私钥
func PrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidKey, len(seed))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public 返回对应的公钥
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

// Sign 对数据签名
func (k *PrivateKey) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(k.key, data), nil
}

// Raw 返回 64 字节私钥
func (k *PrivateKey) Raw() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// Seed 返回 32 字节种子
func (k *PrivateKey) Seed() []byte {
	return k.key.Seed()
}

// Raw 返回 32 字节公钥
func (k *PublicKey) Raw() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// Verify 验证签名
func (k *PublicKey) Verify(data, sig []byte) bool {
	return ed25519.Verify(k.key, data, sig)
}

// Equal 比较两个公钥
func (k *PublicKey) Equal(o *PublicKey) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.key.Equal(o.key)
}

// UnmarshalEd25519PublicKey 从 32 字节原始公钥构造
func UnmarshalEd25519PublicKey(raw []byte) (*PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidKey, len(raw))
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, raw)
	return &PublicKey{key: key}, nil
}

// ============================================================================
//                              序列化
// ============================================================================

// 序列化格式（protobuf）：
//
//	message PublicKey  { KeyType Type = 1; bytes Data = 2; }
//	message PrivateKey { KeyType Type = 1; bytes Data = 2; }

// MarshalPublicKey 序列化公钥
func MarshalPublicKey(k *PublicKey) []byte {
	return marshalKey(KeyTypeEd25519, k.key)
}

// UnmarshalPublicKey 反序列化公钥
func UnmarshalPublicKey(data []byte) (*PublicKey, error) {
	typ, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	if typ != KeyTypeEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, typ)
	}
	return UnmarshalEd25519PublicKey(raw)
}

// MarshalPrivateKey 序列化私钥
func MarshalPrivateKey(k *PrivateKey) []byte {
	return marshalKey(KeyTypeEd25519, k.key)
}

// UnmarshalPrivateKey 反序列化私钥
func UnmarshalPrivateKey(data []byte) (*PrivateKey, error) {
	typ, raw, err := unmarshalKey(data)
	if err != nil {
		return nil, err
	}
	if typ != KeyTypeEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, typ)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(raw))
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, raw)
	return &PrivateKey{key: key}, nil
}

func marshalKey(typ KeyType, data []byte) []byte {
	b := make([]byte, 0, len(data)+4)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(typ))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func unmarshalKey(b []byte) (KeyType, []byte, error) {
	var (
		typ     KeyType
		data    []byte
		gotType bool
	)
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, types.DecodeError("key tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, nil, types.DecodeError("key type", protowire.ParseError(n))
			}
			typ, gotType = KeyType(v), true
			b = b[n:]
		case num == 2 && wt == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, nil, types.DecodeError("key data", protowire.ParseError(n))
			}
			data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wt, b)
			if n < 0 {
				return 0, nil, types.DecodeError("key field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !gotType || data == nil {
		return 0, nil, types.DecodeError("key: missing fields", nil)
	}
	return typ, data, nil
}
