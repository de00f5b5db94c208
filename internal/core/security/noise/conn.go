package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

const (
	// MaxFrameSize 单帧密文上限
	MaxFrameSize = 65535

	// MaxPlaintextSize 单帧明文上限（扣除 16 字节认证标签）
	MaxPlaintextSize = MaxFrameSize - 16
)

// secureConn Noise 安全连接
type secureConn struct {
	net.Conn

	sendCS *noise.CipherState
	recvCS *noise.CipherState

	localPeer  types.PeerID
	remotePeer types.PeerID
	remoteKey  []byte

	readMu  sync.Mutex
	readBuf []byte // 尚未返回给调用方的明文
	frame   []byte // 密文接收缓冲

	writeMu  sync.Mutex
	writeBuf []byte
}

var _ pkgif.SecureConn = (*secureConn)(nil)

// Read 读取并解密数据
func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return 0, err
	}
	size := int(binary.BigEndian.Uint16(lenBuf[:]))
	if size == 0 {
		return 0, ErrEmptyFrame
	}
	if cap(c.frame) < size {
		c.frame = make([]byte, MaxFrameSize)
	}
	frame := c.frame[:size]
	if _, err := io.ReadFull(c.Conn, frame); err != nil {
		return 0, err
	}

	// p 足够大时直接解密到调用方缓冲区
	if len(p) >= size-16 {
		plain, err := c.recvCS.Decrypt(p[:0], nil, frame)
		if err != nil {
			return 0, types.DecodeError("noise frame", err)
		}
		return len(plain), nil
	}

	plain, err := c.recvCS.Decrypt(nil, nil, frame)
	if err != nil {
		return 0, types.DecodeError("noise frame", err)
	}
	n := copy(p, plain)
	c.readBuf = plain[n:]
	return n, nil
}

// Write 加密并写入数据，超过单帧上限的数据被拆分
func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPlaintextSize {
			chunk = chunk[:MaxPlaintextSize]
		}

		buf := c.writeBuf[:0]
		if cap(buf) < 2+len(chunk)+16 {
			buf = make([]byte, 0, 2+MaxFrameSize)
		}
		buf = append(buf, 0, 0)
		buf, err := c.sendCS.Encrypt(buf, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		binary.BigEndian.PutUint16(buf, uint16(len(buf)-2))
		c.writeBuf = buf

		if _, err := c.Conn.Write(buf); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// LocalPeer 返回本地节点 ID
func (c *secureConn) LocalPeer() types.PeerID {
	return c.localPeer
}

// RemotePeer 返回远端节点 ID
func (c *secureConn) RemotePeer() types.PeerID {
	return c.remotePeer
}

// RemotePublicKey 返回远端序列化公钥
func (c *secureConn) RemotePublicKey() []byte {
	return c.remoteKey
}
