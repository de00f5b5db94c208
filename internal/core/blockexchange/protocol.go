package blockexchange

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/pkg/types"
)

// ProtocolID 块交换协议
const ProtocolID types.ProtocolID = "/webnode/blocks/1.0.0"

// maxCIDSize 请求中 CID 的最大字节数
const maxCIDSize = 256

// Status 响应状态
type Status byte

const (
	StatusOK       Status = 0
	StatusNotFound Status = 1
	StatusError    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// writeRequest 写入一个请求
func writeRequest(w io.Writer, c cid.Cid) error {
	b := c.Bytes()
	_, err := w.Write(append(varint.ToUvarint(uint64(len(b))), b...))
	return err
}

// readRequest 读取一个请求，流结束时返回 io.EOF
func readRequest(r *bufio.Reader) (cid.Cid, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return cid.Undef, io.EOF
		}
		return cid.Undef, types.DecodeError("request length", err)
	}
	if size == 0 || size > maxCIDSize {
		return cid.Undef, types.DecodeError(fmt.Sprintf("request length %d", size), nil)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return cid.Undef, types.DecodeError("request cid", err)
	}
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, types.DecodeError("request cid", err)
	}
	return c, nil
}

// writeResponse 写入状态与块内容
func writeResponse(w io.Writer, status Status, data []byte) error {
	buf := make([]byte, 0, 1+varint.MaxLenUvarint63+len(data))
	buf = append(buf, byte(status))
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// readResponse 读取一个响应
func readResponse(r *bufio.Reader) (Status, []byte, error) {
	sb, err := r.ReadByte()
	if err != nil {
		return 0, nil, types.DecodeError("response status", err)
	}
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return 0, nil, types.DecodeError("response length", err)
	}
	if size > blockstore.MaxBlockSize {
		return 0, nil, types.DecodeError(fmt.Sprintf("response length %d", size), nil)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, types.DecodeError("response block", err)
	}
	return Status(sb), data, nil
}
