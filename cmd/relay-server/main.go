// Package main 提供独立的 Relay 服务器
//
// Relay 服务器在 WebSocket 上监听，为浏览器风格节点提供电路中继预留，
// 并转发两个节点之间的 WebRTC 信令与电路流量。
//
// 使用方法:
//
//	go run ./cmd/relay-server -listen /ip4/0.0.0.0/tcp/4002/ws -key relay.key
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
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

var logger = log.Logger("webnode/relay-server")

func main() {
	if err := run(); err != nil {
		fmt.Printf("❌ 错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行参数
	listen := flag.String("listen", "/ip4/0.0.0.0/tcp/4002/ws", "监听地址，逗号分隔")
	keyFile := flag.String("key", "", "身份密钥文件路径（为空则使用临时身份）")
	maxReservations := flag.Int("max-reservations", 128, "最大预留数")
	maxCircuits := flag.Int("max-circuits", 64, "最大活跃电路数")
	ttl := flag.Duration("reservation-ttl", time.Hour, "预留有效期")
	metricsAddr := flag.String("metrics", "", "Prometheus 指标监听地址，例如 :9090")
	flag.Parse()
	log.ConfigureFromEnv()

	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            webnode Relay Server                      ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.NewConfig()
	cfg.ListenAddrs = splitAndTrim(*listen)
	cfg.Transport.EnableWebRTC = false
	cfg.Relay.EnableClient = false
	cfg.Relay.EnableServer = true
	cfg.Relay.DiscoverRelays = 0
	cfg.Relay.Server.MaxReservations = *maxReservations
	cfg.Relay.Server.MaxCircuits = *maxCircuits
	cfg.Relay.Server.ReservationTTL = config.Duration(*ttl)
	cfg.Identity.KeyFile = *keyFile

	node, err := webnode.New(webnode.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("创建 Relay 服务器失败: %w", err)
	}
	defer func() { _ = node.Close() }()
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("启动 Relay 服务器失败: %w", err)
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(node.Metrics(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("指标服务退出", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	// 打印服务器信息
	printServerInfo(node, *maxReservations)

	// 启动统计报告
	go reportStats(ctx, node)

	// 等待关闭
	<-ctx.Done()

	fmt.Println("\n正在关闭 Relay 服务器...")
	return nil
}

// printServerInfo 打印服务器信息
func printServerInfo(node *webnode.Node, maxReservations int) {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║                    服务器信息                         ║")
	fmt.Println("╠══════════════════════════════════════════════════════╣")
	fmt.Printf("║ 节点 ID: %s\n", node.ID())
	fmt.Printf("║ 最大预留数: %d\n", maxReservations)
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("客户端可以使用以下地址连接:")
	for _, addr := range node.Multiaddrs() {
		fmt.Printf("  %s\n", addr)
	}
	fmt.Println()
	fmt.Println("按 Ctrl+C 停止服务器")
}

// reportStats 定期报告统计信息
func reportStats(ctx context.Context, node *webnode.Node) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("中继统计", "connections", len(node.Connections()))
		}
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
