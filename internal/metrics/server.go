// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 健康检查和 Metrics 服务 - Prometheus 标准格式，就绪检查按组件报告
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// CheckResult 存活与就绪检查响应
type CheckResult struct {
	OK       bool     `json:"ok"`
	Uptime   string   `json:"uptime,omitempty"`
	NotReady []string `json:"not_ready,omitempty"`
}

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool
	logger      *zap.SugaredLogger

	httpServer *http.Server
	listener   net.Listener
	registry   *prometheus.Registry

	healthy     int32
	healthCheck func() HealthStatus

	mu sync.RWMutex
}

// NewMetricsServer 创建指标服务器
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool, logger *zap.SugaredLogger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// 创建自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()

	// 注册 Go 运行时收集器
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		logger:      logger,
		healthy:     1,
		registry:    registry,
	}
}

// RegisterCollector 注册 Prometheus 收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = fn
}

// Handler 构建路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.healthPath+"/ready", s.handleReadiness)

	// Prometheus metrics 端点
	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		for name, h := range map[string]http.HandlerFunc{
			"cmdline": pprof.Cmdline,
			"profile": pprof.Profile,
			"symbol":  pprof.Symbol,
			"trace":   pprof.Trace,
		} {
			mux.HandleFunc("/debug/pprof/"+name, h)
		}
	}
	return mux
}

// Start 启动服务器，监听失败立即返回错误
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 metrics 地址 %s 失败: %w", s.listen, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("服务器错误: %v", err)
		}
	}()

	s.logger.Infof("Metrics 服务已启动: %s%s", ln.Addr(), s.metricsPath)
	return nil
}

// Addr 实际监听地址
func (s *MetricsServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *MetricsServer) currentHealth() HealthStatus {
	s.mu.RLock()
	healthCheck := s.healthCheck
	s.mu.RUnlock()

	if healthCheck != nil {
		return healthCheck()
	}
	return HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
}

// handleHealth 健康检查处理
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.currentHealth()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// handleLiveness 存活检查，只看进程级开关
func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeCheck(w, CheckResult{
		OK:     atomic.LoadInt32(&s.healthy) == 1,
		Uptime: s.currentHealth().Uptime,
	})
}

// handleReadiness 就绪检查
//
// 任一组件 unhealthy (传输层未运行) 即未就绪，响应中列出这些组件；
// degraded 仍视为就绪。存活开关关闭时同样未就绪。
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.currentHealth()

	var notReady []string
	for name, c := range status.Components {
		if c.Status == StatusUnhealthy {
			notReady = append(notReady, name)
		}
	}
	sort.Strings(notReady)

	writeCheck(w, CheckResult{
		OK:       atomic.LoadInt32(&s.healthy) == 1 && status.Status != StatusUnhealthy,
		NotReady: notReady,
	})
}

func writeCheck(w http.ResponseWriter, p CheckResult) {
	w.Header().Set("Content-Type", "application/json")
	if !p.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(p)
}

// SetHealthy 设置存活状态
func (s *MetricsServer) SetHealthy(healthy bool) {
	if healthy {
		atomic.StoreInt32(&s.healthy, 1)
	} else {
		atomic.StoreInt32(&s.healthy, 0)
	}
}

// Stop 停止服务器，超时后强制关闭剩余连接
func (s *MetricsServer) Stop() error {
	srv := s.httpServer
	if srv == nil {
		return nil
	}
	s.SetHealthy(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("关闭 metrics 服务失败: %w", err)
	}
	s.logger.Infof("Metrics 服务已停止")
	return nil
}

// Registry 获取 registry
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}
