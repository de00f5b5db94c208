package swarm

import "errors"

var (
	// ErrSwarmClosed Swarm 已关闭
	ErrSwarmClosed = errors.New("swarm closed")

	// ErrDialToSelf 拨号到自身
	ErrDialToSelf = errors.New("dial to self attempted")

	// ErrNoAddresses 没有该节点的已知地址
	ErrNoAddresses = errors.New("no addresses for peer")

	// ErrNoListenAddrs 未指定监听地址
	ErrNoListenAddrs = errors.New("no addresses to listen on")

	// ErrNoUpgrader 未设置升级器
	ErrNoUpgrader = errors.New("no upgrader configured")
)
