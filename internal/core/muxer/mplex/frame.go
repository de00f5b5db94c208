package mplex

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-webnode/pkg/types"
)

// flag 帧类型
type flag uint64

const (
	flagNewStream flag = iota
	flagMessageReceiver
	flagMessageInitiator
	flagCloseReceiver
	flagCloseInitiator
	flagResetReceiver
	flagResetInitiator
)

// String 返回帧类型名称
func (f flag) String() string {
	switch f {
	case flagNewStream:
		return "NewStream"
	case flagMessageReceiver:
		return "MessageReceiver"
	case flagMessageInitiator:
		return "MessageInitiator"
	case flagCloseReceiver:
		return "CloseReceiver"
	case flagCloseInitiator:
		return "CloseInitiator"
	case flagResetReceiver:
		return "ResetReceiver"
	case flagResetInitiator:
		return "ResetInitiator"
	default:
		return fmt.Sprintf("flag(%d)", uint64(f))
	}
}

// 按发送方角色选择 flag
func messageFlag(initiator bool) flag {
	if initiator {
		return flagMessageInitiator
	}
	return flagMessageReceiver
}

func closeFlag(initiator bool) flag {
	if initiator {
		return flagCloseInitiator
	}
	return flagCloseReceiver
}

func resetFlag(initiator bool) flag {
	if initiator {
		return flagResetInitiator
	}
	return flagResetReceiver
}

// frame 待发送的帧
type frame struct {
	id   uint64
	flag flag
	data []byte
}

// appendHeader 追加帧头
func (f *frame) appendHeader(b []byte) []byte {
	b = append(b, varint.ToUvarint(f.id<<3|uint64(f.flag))...)
	return append(b, varint.ToUvarint(uint64(len(f.data)))...)
}

// readFrame 从连接读取一帧
func readFrame(r *bufio.Reader, maxSize int) (frame, error) {
	h, err := varint.ReadUvarint(r)
	if err != nil {
		return frame{}, err
	}
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return frame{}, unexpectedEOF(err)
	}
	f := frame{id: h >> 3, flag: flag(h & 7)}
	if f.flag > flagResetInitiator {
		return frame{}, types.DecodeError("mplex frame flag "+f.flag.String(), nil)
	}
	if size > uint64(maxSize) {
		return frame{}, types.DecodeError(fmt.Sprintf("mplex frame of %d bytes exceeds limit %d", size, maxSize), nil)
	}
	if size > 0 {
		f.data = make([]byte, size)
		if _, err := io.ReadFull(r, f.data); err != nil {
			return frame{}, unexpectedEOF(err)
		}
	}
	return f, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
