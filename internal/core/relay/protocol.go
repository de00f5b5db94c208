package relay

import (
	"errors"
	"fmt"
	"io"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-webnode/pkg/types"
)

// ============================================================================
//                              协议常量
// ============================================================================

const (
	// HopID 中继服务协议
	HopID types.ProtocolID = "/webnode/circuit/relay/0.1.0/hop"

	// StopID 电路终点协议
	StopID types.ProtocolID = "/webnode/circuit/relay/0.1.0/stop"

	// MaxMessageSize 单条控制消息上限
	MaxMessageSize = 4 << 10

	// MaxAddrs 单条消息携带的地址上限
	MaxAddrs = 16
)

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType 消息类型
type MessageType uint8

const (
	// MsgHopReserve 预留请求
	MsgHopReserve MessageType = 1
	// MsgHopConnect 电路请求
	MsgHopConnect MessageType = 2
	// MsgHopStatus HOP 响应
	MsgHopStatus MessageType = 3

	// MsgStopConnect 入站电路通知
	MsgStopConnect MessageType = 10
	// MsgStopStatus STOP 响应
	MsgStopStatus MessageType = 11
)

// String 返回消息类型名
func (t MessageType) String() string {
	switch t {
	case MsgHopReserve:
		return "HOP_RESERVE"
	case MsgHopConnect:
		return "HOP_CONNECT"
	case MsgHopStatus:
		return "HOP_STATUS"
	case MsgStopConnect:
		return "STOP_CONNECT"
	case MsgStopStatus:
		return "STOP_STATUS"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ============================================================================
//                              状态码
// ============================================================================

// Status 响应状态码
type Status uint16

const (
	StatusOK                    Status = 100
	StatusReservationRefused    Status = 200
	StatusResourceLimitExceeded Status = 201
	StatusPermissionDenied      Status = 202
	StatusConnectionFailed      Status = 203
	StatusNoReservation         Status = 204
	StatusMalformedMessage      Status = 400
	StatusUnexpectedMessage     Status = 401
)

// String 返回状态码描述
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusReservationRefused:
		return "reservation refused"
	case StatusResourceLimitExceeded:
		return "resource limit exceeded"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusConnectionFailed:
		return "connection failed"
	case StatusNoReservation:
		return "no reservation"
	case StatusMalformedMessage:
		return "malformed message"
	case StatusUnexpectedMessage:
		return "unexpected message"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// StatusError 中继返回的非 OK 状态
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "relay: " + e.Status.String()
}

// Is 支持 errors.Is(err, &StatusError{Status: X}) 比较
func (e *StatusError) Is(target error) bool {
	var t *StatusError
	if !errors.As(target, &t) {
		return false
	}
	return t.Status == e.Status
}

// ============================================================================
//                              消息
// ============================================================================

// Message 中继控制消息
type Message struct {
	Type   MessageType
	Peer   types.PeerID
	TTL    time.Duration
	Addrs  []ma.Multiaddr
	Status Status
}

const (
	fieldType   protowire.Number = 1
	fieldPeer   protowire.Number = 2
	fieldTTL    protowire.Number = 3
	fieldAddrs  protowire.Number = 4
	fieldStatus protowire.Number = 5
)

// Marshal 编码消息体（不含长度前缀）
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if !m.Peer.IsEmpty() {
		mh, err := m.Peer.Multihash()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
		b = protowire.AppendBytes(b, mh)
	}
	if m.TTL > 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TTL/time.Second))
	}
	for _, a := range m.Addrs {
		b = protowire.AppendTag(b, fieldAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	if m.Status != 0 {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Status))
	}
	return b, nil
}

// Unmarshal 解码消息体，未知字段被忽略
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return types.DecodeError("relay message tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return types.DecodeError("relay message type", protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			b = b[n:]
		case num == fieldTTL && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return types.DecodeError("relay message ttl", protowire.ParseError(n))
			}
			m.TTL = time.Duration(v) * time.Second
			b = b[n:]
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return types.DecodeError("relay message status", protowire.ParseError(n))
			}
			m.Status = Status(v)
			b = b[n:]
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return types.DecodeError("relay message peer", protowire.ParseError(n))
			}
			mh, err := multihash.Cast(v)
			if err != nil {
				return types.DecodeError("relay message peer", err)
			}
			m.Peer = types.PeerIDFromMultihash(mh)
			b = b[n:]
		case num == fieldAddrs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return types.DecodeError("relay message addr", protowire.ParseError(n))
			}
			b = b[n:]
			if len(m.Addrs) >= MaxAddrs {
				continue
			}
			a, err := ma.NewMultiaddrBytes(v)
			if err != nil {
				return types.DecodeError("relay message addr", err)
			}
			m.Addrs = append(m.Addrs, a)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return types.DecodeError("relay message field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// ============================================================================
//                              读写
// ============================================================================

// WriteMessage 写入带长度前缀的消息
func WriteMessage(w io.Writer, m *Message) error {
	body, err := m.Marshal()
	if err != nil {
		return err
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("relay message too large: %d", len(body))
	}
	buf := append(varint.ToUvarint(uint64(len(body))), body...)
	_, err = w.Write(buf)
	return err
}

// ReadMessage 读取带长度前缀的消息
//
// 只读取消息本身的字节，消息之后的数据留在 r 中。
func ReadMessage(r io.Reader) (*Message, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	size, err := varint.ReadUvarint(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, types.DecodeError("relay message length", err)
	}
	if size > MaxMessageSize {
		return nil, types.DecodeError(fmt.Sprintf("relay message length %d", size), nil)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read relay message: %w", err)
	}
	m := new(Message)
	if err := m.Unmarshal(body); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadResponse 读取响应，非 OK 状态返回 *StatusError
func ReadResponse(r io.Reader, want MessageType) (*Message, error) {
	m, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if m.Type != want {
		return nil, fmt.Errorf("relay: unexpected %s, want %s", m.Type, want)
	}
	if m.Status != StatusOK {
		return m, &StatusError{Status: m.Status}
	}
	return m, nil
}

// byteReader 逐字节读取，不预读
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
