// Package main 提供 webnode 交互式命令行
//
// 启动一个节点，从标准输入读取命令：
//
//	dial <multiaddr>     拨号节点并打开 echo 会话（直连 WebRTC 连接会自动打开）
//	relay <multiaddr>    在中继上预留，获得可被拨号的电路地址
//	send <text>          经 echo 会话发送文本
//	publish <text>       存储文本，输出 CID
//	retrieve <cid>       读取内容
//	conns / addrs        列出连接与本节点地址
//	quit                 退出
//
// 使用 -metrics :9090 在 /metrics 上暴露 Prometheus 指标。
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-webnode"
	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/pkg/lib/log"
)

var logger = log.Logger("webnode/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//	命令行参数：运行时覆盖
//	JSON 配置文件：持久化配置
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	configFile  = flag.String("config", "", "JSON 配置文件路径")
	listen      = flag.String("listen", "", "监听地址，逗号分隔（默认 /webrtc）")
	keyFile     = flag.String("key", "", "身份密钥文件路径（为空则使用临时身份）")
	relayServer = flag.Bool("relay-server", false, "同时作为中继服务端")
	noWebRTC    = flag.Bool("no-webrtc", false, "禁用 WebRTC 传输")
	iceServers  = flag.String("ice", "", "STUN/TURN 服务器，逗号分隔")
	dialTimeout = flag.Duration("dial-timeout", 0, "拨号超时（0 = 使用配置）")
	metricsAddr = flag.String("metrics", "", "Prometheus 指标监听地址，例如 :9090")
	fxDebug     = flag.Bool("fx-debug", false, "输出依赖注入日志")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	if *showVersion {
		fmt.Println(webnode.VersionInfo())
		return nil
	}
	log.ConfigureFromEnv()

	opts, err := buildOptions()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("启动 webnode 节点", "version", webnode.Version, "commit", webnode.GitCommit)
	node, err := webnode.New(opts...)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()
	if err := node.Start(ctx); err != nil {
		return err
	}

	if *metricsAddr != "" {
		srv := serveMetrics(node, *metricsAddr)
		defer func() { _ = srv.Close() }()
	}

	ui := NewUI(os.Stdout)
	ui.AppendLine("%s", webnode.VersionInfo())
	ui.AppendLine("节点 ID: %s", node.ID())
	ui.RenderMultiaddrs(node.Multiaddrs())
	ui.AppendLine("输入 help 查看命令")

	return repl(ctx, node, ui, os.Stdin)
}

// buildOptions 构建选项
//
// 配置文件先于命令行参数生效。
func buildOptions() ([]webnode.Option, error) {
	var opts []webnode.Option
	if *configFile != "" {
		cfg, err := loadConfigFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
		opts = append(opts, webnode.WithConfig(cfg))
	}
	if *listen != "" {
		opts = append(opts, webnode.WithListenAddrs(splitAndTrim(*listen, ",")...))
	}
	if *keyFile != "" {
		opts = append(opts, webnode.WithKeyFile(*keyFile))
	}
	if isFlagSet("relay-server") {
		opts = append(opts, webnode.WithRelayServer(*relayServer))
	}
	if *noWebRTC {
		opts = append(opts, webnode.WithWebRTC(false))
	}
	if *iceServers != "" {
		opts = append(opts, webnode.WithICEServers(splitAndTrim(*iceServers, ",")...))
	}
	if *dialTimeout > 0 {
		opts = append(opts, webnode.WithDialTimeout(*dialTimeout))
	}
	if *fxDebug {
		opts = append(opts, webnode.WithFxDebug())
	}
	return opts, nil
}

// loadConfigFile 从 JSON 文件加载配置
func loadConfigFile(path string) (*config.Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: 用户指定的配置文件路径是预期行为
	if err != nil {
		return nil, err
	}
	return config.FromJSON(data)
}

// serveMetrics 在 addr 上暴露 /metrics
func serveMetrics(node *webnode.Node, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("指标服务退出", "addr", addr, "error", err)
		}
	}()
	logger.Info("指标服务已启动", "addr", addr)
	return srv
}

// repl 读取并执行命令，直到 quit、输入结束或 ctx 取消
func repl(ctx context.Context, node *webnode.Node, ui *UI, in io.Reader) error {
	a := newApp(node, ui)
	if err := a.serveEcho(); err != nil {
		return err
	}
	sub, err := node.Subscribe()
	if err != nil {
		return err
	}
	a.watchEvents(sub)
	defer func() {
		_ = sub.Close()
		a.close()
	}()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ui.AppendLine("正在关闭节点...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := a.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				ui.AppendLine("错误: %v", err)
			}
		}
	}
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
