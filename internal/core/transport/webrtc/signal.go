package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-webnode/pkg/types"
)

// SignalingID WebRTC 信令协议
const SignalingID types.ProtocolID = "/webrtc-signaling/0.0.1"

// maxSignalSize 单条信令消息上限（SDP 可能有数 KB）
const maxSignalSize = 64 << 10

// signalType 信令消息类型
type signalType uint8

const (
	signalOffer     signalType = 0
	signalAnswer    signalType = 1
	signalCandidate signalType = 2
)

func (t signalType) String() string {
	switch t {
	case signalOffer:
		return "SDP_OFFER"
	case signalAnswer:
		return "SDP_ANSWER"
	case signalCandidate:
		return "ICE_CANDIDATE"
	default:
		return fmt.Sprintf("signal(%d)", uint8(t))
	}
}

// signal 一条信令消息：1 type (varint)，2 data (string)
type signal struct {
	Type signalType
	Data string
}

func (s *signal) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Type))
	if s.Data != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s.Data)
	}
	return b
}

func (s *signal) unmarshal(b []byte) error {
	*s = signal{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return types.DecodeError("signal tag", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return types.DecodeError("signal type", protowire.ParseError(n))
			}
			s.Type = signalType(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return types.DecodeError("signal data", protowire.ParseError(n))
			}
			s.Data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return types.DecodeError("signal field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// signaler 在信令流上收发消息，写入串行化
type signaler struct {
	rw io.ReadWriter
	mu sync.Mutex
}

func (s *signaler) send(t signalType, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(t, data)
}

func (s *signaler) sendLocked(t signalType, data string) error {
	body := (&signal{Type: t, Data: data}).marshal()
	if len(body) > maxSignalSize {
		return fmt.Errorf("signal %s too large: %d", t, len(body))
	}
	_, err := s.rw.Write(append(varint.ToUvarint(uint64(len(body))), body...))
	return err
}

func (s *signaler) recv() (*signal, error) {
	size, err := varint.ReadUvarint(&byteReader{r: s.rw})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, types.DecodeError("signal length", err)
	}
	if size > maxSignalSize {
		return nil, types.DecodeError(fmt.Sprintf("signal length %d", size), nil)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(s.rw, body); err != nil {
		return nil, err
	}
	msg := new(signal)
	if err := msg.unmarshal(body); err != nil {
		return nil, err
	}
	return msg, nil
}

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
