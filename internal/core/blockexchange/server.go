package blockexchange

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/blockexchange")

// HandlerIdleTimeout 服务端等待下一个请求的时间
const HandlerIdleTimeout = 30 * time.Second

// Server 从本地块存储回答请求
type Server struct {
	store blockstore.Getter
}

// NewServer 创建服务端，store 应为本地存储，不要传入会回源网络的存储
func NewServer(store blockstore.Getter) *Server {
	return &Server{store: store}
}

// Register 在 Host 上注册处理器
func (s *Server) Register(h pkgif.Host) {
	h.SetStreamHandler(ProtocolID, s.Handle)
}

// Handle 处理一条块交换流
func (s *Server) Handle(st pkgif.Stream) {
	defer st.Close()
	peer := st.Conn().RemotePeer()
	r := bufio.NewReader(st)

	for {
		_ = st.SetReadDeadline(time.Now().Add(HandlerIdleTimeout))
		c, err := readRequest(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("读取块请求失败", "peer", peer.ShortString(), "error", err)
				st.Reset()
			}
			return
		}

		blk, err := s.store.Get(context.Background(), c)
		switch {
		case err == nil:
			err = writeResponse(st, StatusOK, blk.RawData())
		case errors.Is(err, types.ErrNotFound):
			err = writeResponse(st, StatusNotFound, nil)
		default:
			logger.Warn("读取本地块失败", "cid", c.String(), "error", err)
			err = writeResponse(st, StatusError, nil)
		}
		if err != nil {
			st.Reset()
			return
		}
		logger.Debug("已回答块请求", "peer", peer.ShortString(), "cid", c.String())
	}
}
