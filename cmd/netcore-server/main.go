// =============================================================================
// 文件: cmd/netcore-server/main.go
// 描述: 主程序入口 - 加载配置、装配服务、信号处理与 TCP 回显探测
// =============================================================================
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/netcore/internal/config"
	"github.com/mrcgq/netcore/internal/logger"
	"github.com/mrcgq/netcore/internal/protocol"
	"github.com/mrcgq/netcore/internal/server"
	"github.com/mrcgq/netcore/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const probeTimeout = 5 * time.Second

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	probe := flag.String("probe", "", "向指定 TCP 地址发送回显探测后退出 (host:port)")
	probeCount := flag.Int("probe-count", 3, "探测包数量")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	if *probe != "" {
		if err := runProbe(*probe, *probeCount); err != nil {
			fmt.Fprintf(os.Stderr, "探测失败: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	srv, err := server.New(cfg, zl, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "装配失败: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg, srv)

	// 等待信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\n正在关闭...")
	cancel()

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "关闭时出错: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// 回显探测
// =============================================================================

// runProbe 连接回显服务，逐个发送探测帧并校验回显
func runProbe(addr string, count int) error {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return fmt.Errorf("连接 %s: %w", addr, err)
	}
	defer conn.Close()

	w := transport.NewFrameWriter(conn, probeTimeout, protocol.DefaultMaxPacketSize)
	r := transport.NewFrameReader(conn, probeTimeout, protocol.DefaultMaxPacketSize)

	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("probe-%d-%d", i, time.Now().UnixNano()))
		packetType := uint16(i + 1)

		start := time.Now()
		if err := w.WriteFrame(packetType, payload); err != nil {
			return fmt.Errorf("发送第 %d 个探测帧: %w", i+1, err)
		}
		gotType, got, err := r.ReadFrame()
		if err != nil {
			return fmt.Errorf("读取第 %d 个回显: %w", i+1, err)
		}
		if gotType != packetType || !bytes.Equal(got, payload) {
			return fmt.Errorf("第 %d 个回显不匹配: type=%d len=%d", i+1, gotType, len(got))
		}
		fmt.Printf("回显 %d/%d: %d 字节, 往返 %v\n", i+1, count, len(got), time.Since(start))
	}
	return nil
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("Netcore Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("传输:")
	fmt.Println("  - tcp : 长度前缀帧 [u16 长度][u16 类型][负载]")
	fmt.Println("  - udp : 令牌信封 + 确认重发 + 乱序重排")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  netcore-server -gen-config")
	fmt.Println("  netcore-server -c config.yaml")
	fmt.Println("  netcore-server -probe 127.0.0.1:7000 -probe-count 5")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}

func printBanner(cfg *config.Config, srv *server.Server) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  Netcore Server v%-48s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  TCP: %-58s ║\n", listenString(srv.TCPAddr()))
	fmt.Printf("║  UDP: %-58s ║\n", listenString(srv.UDPAddr()))
	fmt.Printf("║  缓冲池: %-55s ║\n",
		fmt.Sprintf("%d x %d 字节", cfg.Buffer.BlockCount, cfg.Buffer.BlockSize))
	if addr := srv.MetricsAddr(); addr != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://%-44s ║\n", addr.String()+cfg.Metrics.Path)
		fmt.Printf("║  健康检查:   http://%-44s ║\n", addr.String()+cfg.Metrics.HealthPath)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func listenString(a net.Addr) string {
	if a == nil {
		return "未启用"
	}
	return a.String()
}
