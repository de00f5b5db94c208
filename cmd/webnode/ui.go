package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// maxHistory 保留的输出行数
const maxHistory = 500

// UI 终端输出
//
// 所有输出经由 UI 串行写入，事件协程与命令循环可以并发调用。
type UI struct {
	mu      sync.Mutex
	w       io.Writer
	history []string
}

// NewUI 创建输出到 w 的 UI
func NewUI(w io.Writer) *UI {
	return &UI{w: w}
}

// AppendLine 追加一行输出
func (u *UI) AppendLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeLocked(line)
}

// RenderConnections 输出当前连接列表，按节点 ID 排序
func (u *UI) RenderConnections(conns []pkgif.Conn) {
	sorted := append([]pkgif.Conn(nil), conns...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RemotePeer() != sorted[j].RemotePeer() {
			return sorted[i].RemotePeer() < sorted[j].RemotePeer()
		}
		return sorted[i].ID() < sorted[j].ID()
	})

	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeLocked(fmt.Sprintf("── 连接 (%d) ──", len(sorted)))
	if len(sorted) == 0 {
		u.writeLocked("  (无)")
		return
	}
	for _, c := range sorted {
		u.writeLocked(fmt.Sprintf("  %s  %-9s %s  %s", c.RemotePeer().ShortString(), c.Transport(), c.Direction(), c.RemoteMultiaddr()))
	}
}

// RenderMultiaddrs 输出本节点的可拨号地址
func (u *UI) RenderMultiaddrs(addrs []ma.Multiaddr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeLocked(fmt.Sprintf("── 本节点地址 (%d) ──", len(addrs)))
	if len(addrs) == 0 {
		u.writeLocked("  (无，可用 relay 命令在中继上预留)")
		return
	}
	for _, a := range addrs {
		u.writeLocked("  " + a.String())
	}
}

// History 返回已输出的行
func (u *UI) History() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.history...)
}

func (u *UI) writeLocked(line string) {
	line = strings.TrimRight(line, "\n")
	u.history = append(u.history, line)
	if len(u.history) > maxHistory {
		u.history = u.history[len(u.history)-maxHistory:]
	}
	_, _ = fmt.Fprintln(u.w, line)
}
