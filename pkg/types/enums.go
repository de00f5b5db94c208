package types

// ============================================================================
//                              Direction - 连接方向
// ============================================================================

// Direction 连接或流的方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 入站（远端发起）
	DirInbound
	// DirOutbound 出站（本地发起）
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              StreamState - 流状态
// ============================================================================

// StreamState 逻辑流状态机
//
//	Idle -> Open -> (HalfClosedLocal | HalfClosedRemote) -> Closed
//
// 任意非终止状态都可能因协议错误或主动中止进入 Reset。
type StreamState int

const (
	// StreamIdle 尚未打开
	StreamIdle StreamState = iota
	// StreamOpen 双向可读写
	StreamOpen
	// StreamHalfClosedLocal 本地已关闭写端
	StreamHalfClosedLocal
	// StreamHalfClosedRemote 远端已关闭写端
	StreamHalfClosedRemote
	// StreamClosed 双向均已关闭
	StreamClosed
	// StreamReset 被重置
	StreamReset
)

// String 返回状态名
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed-local"
	case StreamHalfClosedRemote:
		return "half-closed-remote"
	case StreamClosed:
		return "closed"
	case StreamReset:
		return "reset"
	default:
		return "unknown"
	}
}

// IsTerminal 是否为终止状态
func (s StreamState) IsTerminal() bool {
	return s == StreamClosed || s == StreamReset
}
