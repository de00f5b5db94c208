// Package muxer 管理可协商的流多路复用器
//
// Multiplexer 按偏好顺序保存多路复用器，升级器据此进行
// multistream-select 协商（默认 mplex 优先，yamux 其次）。
package muxer

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-webnode/internal/core/muxer/mplex"
	"github.com/dep2p/go-webnode/internal/core/muxer/yamux"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

var (
	// ErrNoMuxers 未配置任何多路复用器
	ErrNoMuxers = errors.New("no stream muxers configured")

	// ErrUnknownMuxer 未知的多路复用器名称
	ErrUnknownMuxer = errors.New("unknown stream muxer")
)

// Multiplexer 按偏好排序的多路复用器集合
type Multiplexer struct {
	muxers []pkgif.StreamMuxer
}

// New 创建多路复用器集合，顺序即偏好顺序
func New(muxers ...pkgif.StreamMuxer) (*Multiplexer, error) {
	if len(muxers) == 0 {
		return nil, ErrNoMuxers
	}
	return &Multiplexer{muxers: muxers}, nil
}

// Options 构造多路复用器所需的参数
type Options struct {
	Mplex           mplex.Config
	YamuxWindowSize uint32
}

// FromNames 按名称（mplex、yamux）构造多路复用器集合
func FromNames(names []string, opts Options) (*Multiplexer, error) {
	muxers := make([]pkgif.StreamMuxer, 0, len(names))
	for _, name := range names {
		switch name {
		case "mplex":
			muxers = append(muxers, mplex.New(opts.Mplex))
		case "yamux":
			muxers = append(muxers, yamux.New(opts.YamuxWindowSize))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownMuxer, name)
		}
	}
	return New(muxers...)
}

// Default 返回默认集合：mplex 优先，yamux 其次
func Default() *Multiplexer {
	m, _ := New(mplex.DefaultTransport, yamux.DefaultTransport)
	return m
}

// Protocols 返回按偏好排序的协议 ID
func (m *Multiplexer) Protocols() []types.ProtocolID {
	ids := make([]types.ProtocolID, len(m.muxers))
	for i, mx := range m.muxers {
		ids[i] = mx.ID()
	}
	return ids
}

// Lookup 按协议 ID 查找多路复用器
func (m *Multiplexer) Lookup(id types.ProtocolID) (pkgif.StreamMuxer, bool) {
	for _, mx := range m.muxers {
		if mx.ID() == id {
			return mx, true
		}
	}
	return nil, false
}
