package config

import (
	"errors"
	"fmt"
)

// 支持的块哈希
const (
	HashSHA256 = "sha2-256"
	HashBlake3 = "blake3"
)

// StorageConfig 块存储与分块配置
//
// 存储只在内存中，节点关闭后内容丢失。
type StorageConfig struct {
	// ChunkSize 固定分块大小（字节）
	ChunkSize int `json:"chunk_size"`

	// MaxLinks DAG 节点最大子链接数
	MaxLinks int `json:"max_links"`

	// Hash 块哈希：sha2-256 | blake3
	Hash string `json:"hash"`

	// NodeCacheSize 已解码 DAG 节点缓存容量
	NodeCacheSize int `json:"node_cache_size"`
}

// DefaultStorageConfig 返回默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		ChunkSize:     256 << 10,
		MaxLinks:      174,
		Hash:          HashSHA256,
		NodeCacheSize: 256,
	}
}

// Validate 校验存储配置
func (c StorageConfig) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > 1<<20 {
		return fmt.Errorf("chunk size must be in (0, 1MiB], got %d", c.ChunkSize)
	}
	if c.MaxLinks < 2 {
		return errors.New("max links must be at least 2")
	}
	if c.Hash != HashSHA256 && c.Hash != HashBlake3 {
		return fmt.Errorf("unknown hash %q", c.Hash)
	}
	if c.NodeCacheSize < 0 {
		return errors.New("node cache size must not be negative")
	}
	return nil
}
