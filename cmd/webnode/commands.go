package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/dep2p/go-webnode"
	"github.com/dep2p/go-webnode/internal/core/transport/webrtc"
	"github.com/dep2p/go-webnode/internal/protocol/echo"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// commandTimeout 单条命令的超时
const commandTimeout = 60 * time.Second

// errQuit quit 命令
var errQuit = errors.New("quit")

// app 命令行会话状态
//
// send 写入最近建立的 echo 会话（dial 或直连 WebRTC 连接自动打开），回显由独立协程输出。
type app struct {
	node *webnode.Node
	ui   *UI

	mu          sync.Mutex
	session     *echo.Session
	sessionPeer types.PeerID
	wg          sync.WaitGroup
}

func newApp(node *webnode.Node, ui *UI) *app {
	return &app{node: node, ui: ui}
}

// command 一条命令
type command struct {
	usage string
	help  string
	run   func(a *app, ctx context.Context, arg string) error
}

// commands 命令表
var commands map[string]command

func init() {
	commands = map[string]command{
		"dial":     {"dial <multiaddr>", "拨号节点并打开 echo 会话", (*app).dial},
		"relay":    {"relay <multiaddr>", "拨号中继并预留电路地址", (*app).relay},
		"send":     {"send <text>", "经 echo 会话发送一行文本", (*app).send},
		"publish":  {"publish <text>", "存储文本并输出 CID", (*app).publish},
		"retrieve": {"retrieve <cid>", "按 CID 读取内容（本地或已连接节点）", (*app).retrieve},
		"conns":    {"conns", "列出当前连接", (*app).conns},
		"addrs":    {"addrs", "列出本节点地址", (*app).addrs},
		"help":     {"help", "显示帮助", (*app).help},
		"quit":     {"quit", "退出", (*app).quit},
	}
}

// execute 解析并执行一行输入
//
// 空行忽略；返回 errQuit 表示退出。
func (a *app) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, arg, _ := strings.Cut(line, " ")
	cmd, ok := commands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("未知命令 %q，输入 help 查看帮助", name)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return cmd.run(a, ctx, strings.TrimSpace(arg))
}

func (a *app) dial(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("用法: dial <multiaddr>")
	}
	conn, err := a.node.Dial(ctx, arg)
	if err != nil {
		return err
	}
	a.ui.AppendLine("已连接 %s (%s)", conn.RemotePeer().ShortString(), conn.Transport())

	sess, err := a.node.OpenEcho(ctx, conn, echo.DefaultQueueSize)
	if err != nil {
		a.ui.AppendLine("对端不支持 echo: %v", err)
		return nil
	}
	a.replaceSession(sess, conn)
	return nil
}

// replaceSession 换用新的 echo 会话并启动回显输出
func (a *app) replaceSession(sess *echo.Session, conn pkgif.Conn) {
	a.mu.Lock()
	old := a.session
	a.session = sess
	a.sessionPeer = conn.RemotePeer()
	a.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	peer := conn.RemotePeer().ShortString()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for reply := range sess.Replies() {
			a.ui.AppendLine("[echo %s] %s", peer, strings.TrimRight(string(reply), "\n"))
		}
		if err := sess.Err(); err != nil {
			a.ui.AppendLine("echo 会话结束: %v", err)
		}
	}()
}

func (a *app) relay(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("用法: relay <multiaddr>")
	}
	res, err := a.node.Reserve(ctx, arg)
	if err != nil {
		return err
	}
	a.ui.AppendLine("已在中继 %s 上预留，有效期至 %s", res.Relay.ShortString(), res.Expire.Format(time.RFC3339))
	a.ui.RenderMultiaddrs(a.node.Multiaddrs())
	return nil
}

func (a *app) send(_ context.Context, arg string) error {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return errors.New("没有 echo 会话，先用 dial 连接节点")
	}
	return sess.Send([]byte(arg + "\n"))
}

func (a *app) publish(ctx context.Context, arg string) error {
	c, err := a.node.AddBytes(ctx, []byte(arg))
	if err != nil {
		return err
	}
	a.ui.AppendLine("已发布 %s (%d 字节)", c, len(arg))
	return nil
}

func (a *app) retrieve(ctx context.Context, arg string) error {
	c, err := cid.Decode(arg)
	if err != nil {
		return types.DecodeError("cid", err)
	}
	data, err := a.node.Retrieve(ctx, c)
	if err != nil {
		return err
	}
	a.ui.AppendLine("%s: %s", c, string(data))
	return nil
}

func (a *app) conns(context.Context, string) error {
	a.ui.RenderConnections(a.node.Connections())
	return nil
}

func (a *app) addrs(context.Context, string) error {
	a.ui.RenderMultiaddrs(a.node.Multiaddrs())
	return nil
}

func (a *app) help(context.Context, string) error {
	for _, name := range []string{"dial", "relay", "send", "publish", "retrieve", "conns", "addrs", "help", "quit"} {
		cmd := commands[name]
		a.ui.AppendLine("  %-22s %s", cmd.usage, cmd.help)
	}
	return nil
}

func (a *app) quit(context.Context, string) error {
	return errQuit
}

// serveEcho 以输出收到消息的处理器替换默认回显处理器
func (a *app) serveEcho() error {
	return a.node.Handle(echo.ProtocolID, echo.NewHandler(func(peer types.PeerID, msg []byte) {
		a.ui.AppendLine("收到消息 [%s] %s", peer.ShortString(), strings.TrimRight(string(msg), "\n"))
	}))
}

// wantsAutoEcho 直连 WebRTC 连接需要自动打开 echo 会话
//
// WebRTC 连接的远端地址带有信令所用的电路前缀，按传输名区分；经中继转发的连接传输为电路。
func wantsAutoEcho(c pkgif.Conn) bool {
	return c.Transport() == webrtc.Name && !c.IsClosed()
}

// autoEcho 对端尚无会话时在连接上打开 echo 会话，返回是否新建
func (a *app) autoEcho(ctx context.Context, conn pkgif.Conn) (bool, error) {
	a.mu.Lock()
	has := a.session != nil && a.sessionPeer == conn.RemotePeer()
	a.mu.Unlock()
	if has {
		return false, nil
	}

	sess, err := a.node.OpenEcho(ctx, conn, echo.DefaultQueueSize)
	if err != nil {
		return false, err
	}
	a.replaceSession(sess, conn)
	a.ui.AppendLine("已在 %s 上打开 echo 会话", conn.RemotePeer().ShortString())
	return true, nil
}

// watchEvents 把节点事件输出到 UI，直到订阅关闭
func (a *app) watchEvents(sub *webnode.Subscription) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range sub.Out() {
			switch ev.Type {
			case webnode.EventConnectionOpen:
				a.ui.AppendLine("+ 连接 %s (%s)", ev.Conn.RemotePeer().ShortString(), ev.Conn.Transport())
				a.ui.RenderConnections(a.node.Connections())
				if wantsAutoEcho(ev.Conn) {
					a.wg.Add(1)
					go func(c pkgif.Conn) {
						defer a.wg.Done()
						ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
						defer cancel()
						if _, err := a.autoEcho(ctx, c); err != nil {
							a.ui.AppendLine("自动打开 echo 会话失败: %v", err)
						}
					}(ev.Conn)
				}
			case webnode.EventConnectionClose:
				a.ui.AppendLine("- 断开 %s", ev.Conn.RemotePeer().ShortString())
				a.ui.RenderConnections(a.node.Connections())
			case webnode.EventSelfPeerUpdate:
				a.ui.RenderMultiaddrs(ev.Multiaddrs)
			}
		}
	}()
}

// close 关闭 echo 会话并等待输出协程
//
// 事件订阅需先由调用方关闭。
func (a *app) close() {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	a.wg.Wait()
}
