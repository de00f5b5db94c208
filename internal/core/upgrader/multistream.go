package upgrader

import (
	"context"
	"fmt"
	"net"
	"time"

	mss "github.com/multiformats/go-multistream"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// negotiateSecurity 协商安全协议
//
// 服务端使用 MultistreamMuxer.Negotiate()，客户端使用 SelectOneOf()。
func (u *Upgrader) negotiateSecurity(ctx context.Context, conn net.Conn, isServer bool) (pkgif.SecureTransport, error) {
	ids := make([]types.ProtocolID, len(u.security))
	for i, st := range u.security {
		ids[i] = st.ID()
	}

	selected, err := negotiate(ctx, conn, ids, isServer)
	if err != nil {
		return nil, err
	}
	for _, st := range u.security {
		if st.ID() == selected {
			return st, nil
		}
	}
	return nil, fmt.Errorf("negotiated security %s not found", selected)
}

// negotiateMuxer 协商多路复用器
func (u *Upgrader) negotiateMuxer(ctx context.Context, conn net.Conn, isServer bool) (pkgif.StreamMuxer, error) {
	selected, err := negotiate(ctx, conn, u.muxers.Protocols(), isServer)
	if err != nil {
		return nil, err
	}
	mx, ok := u.muxers.Lookup(selected)
	if !ok {
		return nil, fmt.Errorf("negotiated muxer %s not found", selected)
	}
	return mx, nil
}

// negotiate 在截止时间内执行一次 multistream-select
func negotiate(ctx context.Context, conn net.Conn, protos []types.ProtocolID, isServer bool) (types.ProtocolID, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}()

	var (
		selected types.ProtocolID
		err      error
	)
	if isServer {
		m := mss.NewMultistreamMuxer[types.ProtocolID]()
		for _, p := range protos {
			m.AddHandler(p, nil)
		}
		selected, _, err = m.Negotiate(conn)
	} else {
		selected, err = mss.SelectOneOf(protos, conn)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return selected, nil
}
