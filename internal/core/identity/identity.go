package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/identity")

// Identity 节点身份
//
// 创建后不可变，可在多个 goroutine 间共享。
type Identity struct {
	priv   *PrivateKey
	pub    *PublicKey
	peerID types.PeerID
}

// New 从私钥创建身份
func New(priv *PrivateKey) (*Identity, error) {
	if priv == nil {
		return nil, ErrInvalidKey
	}
	pub := priv.Public()
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, peerID: id}, nil
}

// Generate 生成随机身份
func Generate() (*Identity, error) {
	priv, err := GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// PeerID 返回节点 ID
func (i *Identity) PeerID() types.PeerID {
	return i.peerID
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() *PrivateKey {
	return i.priv
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() *PublicKey {
	return i.pub
}

// Sign 使用身份私钥签名
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}

// ============================================================================
//                              密钥文件
// ============================================================================

// LoadOrCreate 从密钥文件加载身份，文件不存在时生成并写入
//
// path 为空时生成临时身份，不写盘。
func LoadOrCreate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", path, err)
		}
		id, err := New(priv)
		if err != nil {
			return nil, err
		}
		logger.Debug("已加载身份", "peer", id.PeerID().ShortString(), "path", path)
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create key dir: %w", err)
			}
		}
		if err := os.WriteFile(path, MarshalPrivateKey(id.priv), 0o600); err != nil {
			return nil, fmt.Errorf("write key file %s: %w", path, err)
		}
		logger.Info("已生成新身份", "peer", id.PeerID().ShortString(), "path", path)
		return id, nil
	default:
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
}
