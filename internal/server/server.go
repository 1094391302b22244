// =============================================================================
// 文件: internal/server/server.go
// 描述: 服务装配 - 按配置构建缓冲池、TCP/UDP 服务器、会话注册表与监控服务
// =============================================================================
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/netcore/internal/config"
	"github.com/mrcgq/netcore/internal/handler"
	"github.com/mrcgq/netcore/internal/logger"
	"github.com/mrcgq/netcore/internal/metrics"
	"github.com/mrcgq/netcore/internal/pool"
	"github.com/mrcgq/netcore/internal/transport"
)

// 缓冲块占用超过该比例时健康状态降级
const poolDegradedRatio = 0.9

var ErrNotRunning = errors.New("服务未运行")

// Server 服务实例
type Server struct {
	cfg *config.Config
	log *zap.SugaredLogger

	slabs    *pool.SlabBufferPool
	ops      *pool.OperationContextPool
	sessions *handler.Registry

	tcp *transport.TCPServer
	udp *transport.UDPServer

	metricsServer *metrics.MetricsServer
	health        *metrics.Health

	running int32
}

// New 按配置构建服务，不启动监听
func New(cfg *config.Config, zl *zap.Logger, version string) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		log:    logger.Component(zl, "server"),
		health: metrics.NewHealth(version),
	}

	slabs, err := pool.NewSlabBufferPool(cfg.Buffer.BlockSize, cfg.Buffer.BlockCount,
		pool.WithSlabLogger(logger.Component(zl, "pool")))
	if err != nil {
		return nil, fmt.Errorf("创建缓冲池失败: %w", err)
	}
	s.slabs = slabs
	s.ops = pool.NewOperationContextPool(slabs, cfg.Buffer.MaxOperations, logger.Component(zl, "pool"))
	s.sessions = handler.NewRegistry(true, logger.Component(zl, "session"))

	var observer *metrics.Metrics
	if cfg.Metrics.Enabled {
		s.metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
			logger.Component(zl, "metrics"),
		)
		observer = metrics.NewMetrics(s.metricsServer.Registry())
	}

	var providers []metrics.TransportStats

	if cfg.TCP.Enabled {
		opts := []transport.ServerOption{transport.WithLogger(logger.Component(zl, "tcp"))}
		if observer != nil {
			opts = append(opts, transport.WithObserver(observer), transport.WithSendCompletion(observer.OnSendComplete))
		}
		s.tcp = transport.NewTCPServer(tcpServerConfig(cfg), slabs, s.ops, s.sessions.Factory("tcp"), opts...)
		providers = append(providers, s.tcp)
		s.health.Register("tcp", s.transportCheck(s.tcp.Connections))
	}

	if cfg.UDP.Enabled {
		opts := []transport.ServerOption{transport.WithLogger(logger.Component(zl, "udp"))}
		if observer != nil {
			opts = append(opts, transport.WithObserver(observer), transport.WithSendCompletion(observer.OnSendComplete))
		}
		s.udp = transport.NewUDPServer(udpServerConfig(cfg), slabs, s.ops, s.sessions.Factory("udp"), opts...)
		providers = append(providers, s.udp)
		s.health.Register("udp", s.transportCheck(s.udp.Connections))
	}

	s.health.Register("pool", s.poolCheck)

	if s.metricsServer != nil {
		if err := s.registerCollectors(providers); err != nil {
			return nil, err
		}
		s.metricsServer.SetHealthCheck(s.health.Status)
	}

	return s, nil
}

func (s *Server) registerCollectors(providers []metrics.TransportStats) error {
	var err error
	err = multierr.Append(err, s.metricsServer.RegisterCollector(metrics.NewPoolCollector(s.slabs, s.ops)))
	err = multierr.Append(err, s.metricsServer.RegisterCollector(metrics.NewTransportCollector(providers...)))
	err = multierr.Append(err, s.metricsServer.RegisterCollector(metrics.NewSessionCollector(s.sessions)))
	if err != nil {
		return fmt.Errorf("注册指标收集器失败: %w", err)
	}
	return nil
}

func tcpServerConfig(cfg *config.Config) transport.TCPServerConfig {
	return transport.TCPServerConfig{
		Addr:            cfg.TCP.Listen,
		MaxConnections:  cfg.TCP.MaxConnections,
		RingCapacity:    cfg.Buffer.RingCapacity,
		MaxPacketSize:   cfg.Buffer.MaxPacketSize,
		NoDelay:         cfg.TCP.NoDelay,
		KeepAlivePeriod: cfg.TCP.KeepAlivePeriod(),
		ReadTimeout:     cfg.TCP.ReadTimeout(),
		WriteTimeout:    cfg.TCP.WriteTimeout(),
	}
}

func udpServerConfig(cfg *config.Config) transport.UDPServerConfig {
	return transport.UDPServerConfig{
		Addr:             cfg.UDP.Listen,
		MaxConnections:   cfg.UDP.MaxConnections,
		RingCapacity:     cfg.Buffer.RingCapacity,
		MaxPacketSize:    cfg.Buffer.MaxPacketSize,
		ResendInterval:   cfg.UDP.ResendInterval(),
		IdleTimeout:      cfg.UDP.IdleTimeout(),
		ClosedFilterSize: cfg.UDP.ClosedFilterSize,
		ReadBufferSize:   cfg.UDP.SocketBufferSize,
		WriteBufferSize:  cfg.UDP.SocketBufferSize,
	}
}

// Start 并行启动所有已启用的组件，任一失败则回滚已启动的部分
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return transport.ErrServerClosed
	}

	var g errgroup.Group
	if s.tcp != nil {
		g.Go(func() error {
			if err := s.tcp.Start(ctx); err != nil {
				return fmt.Errorf("TCP 启动失败: %w", err)
			}
			return nil
		})
	}
	if s.udp != nil {
		g.Go(func() error {
			if err := s.udp.Start(ctx); err != nil {
				return fmt.Errorf("UDP 启动失败: %w", err)
			}
			return nil
		})
	}
	if s.metricsServer != nil {
		g.Go(func() error {
			return s.metricsServer.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		_ = s.shutdown()
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	s.log.Infof("服务已启动 (TCP: %v, UDP: %v, Metrics: %v)",
		addrString(s.TCPAddr()), addrString(s.UDPAddr()), addrString(s.MetricsAddr()))
	return nil
}

// Stop 停止所有组件
//
// 先关闭传输层 (连接全部回收)，再关闭监控服务与操作上下文池。
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrNotRunning
	}
	err := s.shutdown()
	s.log.Infof("服务已停止")
	return err
}

func (s *Server) shutdown() error {
	var err error
	if s.metricsServer != nil {
		s.metricsServer.SetHealthy(false)
	}
	if s.tcp != nil {
		err = multierr.Append(err, ignoreClosed(s.tcp.Stop()))
	}
	if s.udp != nil {
		err = multierr.Append(err, ignoreClosed(s.udp.Stop()))
	}
	if s.metricsServer != nil {
		err = multierr.Append(err, s.metricsServer.Stop())
	}
	s.ops.Close()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, transport.ErrServerClosed) {
		return nil
	}
	return err
}

// TCPAddr TCP 实际监听地址
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr UDP 实际监听地址
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil {
		return nil
	}
	return s.udp.Addr()
}

// MetricsAddr 监控服务实际监听地址
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsServer == nil {
		return nil
	}
	return s.metricsServer.Addr()
}

// Sessions 会话注册表
func (s *Server) Sessions() *handler.Registry {
	return s.sessions
}

// Health 当前健康状态
func (s *Server) Health() metrics.HealthStatus {
	return s.health.Status()
}

// GetStats 获取统计
func (s *Server) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"pool":     s.slabs.GetStats(),
		"sessions": s.sessions.GetStats(),
	}
	if s.tcp != nil {
		stats["tcp"] = s.tcp.GetStats()
	}
	if s.udp != nil {
		stats["udp"] = s.udp.GetStats()
	}
	return stats
}

func (s *Server) transportCheck(connections func() int) metrics.CheckFunc {
	return func() metrics.ComponentHealth {
		if atomic.LoadInt32(&s.running) == 0 {
			return metrics.ComponentHealth{Status: metrics.StatusUnhealthy, Message: "stopped"}
		}
		return metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("active: %d", connections()),
		}
	}
}

func (s *Server) poolCheck() metrics.ComponentHealth {
	st := s.slabs.Stats()
	msg := fmt.Sprintf("in_use: %d/%d", st.InUse, st.TotalBlocks)
	if float64(st.InUse) >= poolDegradedRatio*float64(st.TotalBlocks) {
		return metrics.ComponentHealth{Status: metrics.StatusDegraded, Message: msg}
	}
	return metrics.ComponentHealth{Status: metrics.StatusHealthy, Message: msg}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "off"
	}
	return a.String()
}
