// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、端口冲突检测、缓冲池容量校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 包大小边界: 帧头 + 至少 1 字节负载，上限为长度字段最大值加自身
const (
	minPacketSize = 5
	maxPacketSize = 65535 + 2
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	TCP     TCPConfig     `yaml:"tcp"`
	UDP     UDPConfig     `yaml:"udp"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TCPConfig TCP 传输配置
type TCPConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Listen          string `yaml:"listen"`
	MaxConnections  int    `yaml:"max_connections"`
	NoDelay         bool   `yaml:"no_delay"`
	KeepAliveSec    int    `yaml:"keepalive_sec"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

// UDPConfig 可靠 UDP 传输配置
type UDPConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Listen           string `yaml:"listen"`
	MaxConnections   int    `yaml:"max_connections"`
	ResendIntervalMs int    `yaml:"resend_interval_ms"`
	IdleTimeoutSec   int    `yaml:"idle_timeout_sec"`
	ClosedFilterSize uint   `yaml:"closed_filter_size"`
	SocketBufferSize int    `yaml:"socket_buffer_size"`
}

// BufferConfig 缓冲池配置
type BufferConfig struct {
	BlockSize     int `yaml:"block_size"`
	BlockCount    int `yaml:"block_count"`
	RingCapacity  int `yaml:"ring_capacity"`
	MaxPacketSize int `yaml:"max_packet_size"`
	MaxOperations int `yaml:"max_operations"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		TCP: TCPConfig{
			Enabled:         true,
			Listen:          ":7000",
			MaxConnections:  1024,
			NoDelay:         true,
			KeepAliveSec:    30,
			ReadTimeoutSec:  300,
			WriteTimeoutSec: 30,
		},

		UDP: UDPConfig{
			Enabled:          true,
			Listen:           ":7001",
			MaxConnections:   1024,
			ResendIntervalMs: 200,
			IdleTimeoutSec:   120,
			ClosedFilterSize: 100000,
			SocketBufferSize: 4 * 1024 * 1024,
		},

		Buffer: BufferConfig{
			BlockSize:     4096,
			BlockCount:    16384,
			RingCapacity:  64 * 1024,
			MaxPacketSize: 4096,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %q (可选 debug, info, warn, error)", c.LogLevel)
	}

	if !c.TCP.Enabled && !c.UDP.Enabled {
		return fmt.Errorf("tcp 与 udp 至少启用一个")
	}

	// 端口冲突检测: TCP 与 UDP 可共用端口号，metrics 与 TCP 不可
	tcpPorts := map[int]string{}

	if c.TCP.Enabled {
		port, err := parsePort(c.TCP.Listen)
		if err != nil {
			return fmt.Errorf("tcp.listen 端口格式错误: %w", err)
		}
		tcpPorts[port] = "tcp.listen"
		if err := c.validateTCPConfig(); err != nil {
			return fmt.Errorf("tcp 配置错误: %w", err)
		}
	}

	if c.UDP.Enabled {
		if _, err := parsePort(c.UDP.Listen); err != nil {
			return fmt.Errorf("udp.listen 端口格式错误: %w", err)
		}
		if err := c.validateUDPConfig(); err != nil {
			return fmt.Errorf("udp 配置错误: %w", err)
		}
	}

	if c.Metrics.Enabled {
		port, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := tcpPorts[port]; exists && port != 0 {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", port, existing)
		}
		if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if c.Metrics.HealthPath != "" && !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
	}

	if err := c.validateBufferConfig(); err != nil {
		return fmt.Errorf("buffer 配置错误: %w", err)
	}

	return nil
}

// validateTCPConfig 验证 TCP 配置
func (c *Config) validateTCPConfig() error {
	if c.TCP.MaxConnections < 1 {
		return fmt.Errorf("max_connections 必须大于 0")
	}
	if c.TCP.KeepAliveSec < 0 || c.TCP.ReadTimeoutSec < 0 || c.TCP.WriteTimeoutSec < 0 {
		return fmt.Errorf("超时配置不能为负数")
	}
	return nil
}

// validateUDPConfig 验证 UDP 配置
func (c *Config) validateUDPConfig() error {
	if c.UDP.MaxConnections < 1 {
		return fmt.Errorf("max_connections 必须大于 0")
	}
	if c.UDP.ResendIntervalMs < 10 || c.UDP.ResendIntervalMs > 60000 {
		return fmt.Errorf("resend_interval_ms 需在 10-60000 之间")
	}
	if c.UDP.IdleTimeoutSec < 0 {
		return fmt.Errorf("idle_timeout_sec 不能为负数")
	}
	if c.UDP.SocketBufferSize < 0 {
		return fmt.Errorf("socket_buffer_size 不能为负数")
	}
	return nil
}

// validateBufferConfig 验证缓冲池配置
func (c *Config) validateBufferConfig() error {
	b := c.Buffer
	if b.MaxPacketSize < minPacketSize || b.MaxPacketSize > maxPacketSize {
		return fmt.Errorf("max_packet_size 需在 %d-%d 之间", minPacketSize, maxPacketSize)
	}
	// block_size 为 0 时在同步阶段取 max_packet_size
	if b.BlockSize != 0 && b.BlockSize < b.MaxPacketSize {
		return fmt.Errorf("block_size (%d) 不能小于 max_packet_size (%d)", b.BlockSize, b.MaxPacketSize)
	}
	if b.RingCapacity <= b.MaxPacketSize {
		return fmt.Errorf("ring_capacity (%d) 必须大于 max_packet_size (%d)", b.RingCapacity, b.MaxPacketSize)
	}
	if b.MaxOperations < 0 {
		return fmt.Errorf("max_operations 不能为负数")
	}

	// 每个 TCP 连接常驻一个接收缓冲块，UDP 服务器常驻一个
	reserved := 0
	if c.TCP.Enabled {
		reserved += c.TCP.MaxConnections
	}
	if c.UDP.Enabled {
		reserved++
	}
	if b.BlockCount <= reserved {
		return fmt.Errorf("block_count (%d) 必须大于常驻接收缓冲数 (%d)", b.BlockCount, reserved)
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)

	if c.Buffer.BlockSize == 0 {
		c.Buffer.BlockSize = c.Buffer.MaxPacketSize
	}
	if c.UDP.ClosedFilterSize == 0 {
		c.UDP.ClosedFilterSize = 100000
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	var (
		port int
		err  error
	)
	if strings.HasPrefix(addr, ":") {
		port, err = strconv.Atoi(addr[1:])
	} else if _, portStr, serr := net.SplitHostPort(addr); serr != nil {
		port, err = strconv.Atoi(addr)
	} else {
		port, err = strconv.Atoi(portStr)
	}
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", port)
	}
	return port, nil
}

// ResendInterval UDP 重发间隔
func (c *UDPConfig) ResendInterval() time.Duration {
	return time.Duration(c.ResendIntervalMs) * time.Millisecond
}

// IdleTimeout UDP 空闲超时，0 表示不清理
func (c *UDPConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// KeepAlivePeriod TCP KeepAlive 间隔
func (c *TCPConfig) KeepAlivePeriod() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ReadTimeout TCP 读超时
func (c *TCPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// WriteTimeout TCP 写超时
func (c *TCPConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSec) * time.Second
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# netcore 服务器配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# TCP 传输 (长度前缀帧)
tcp:
  enabled: true
  listen: ":7000"
  max_connections: 1024             # 连接池上限，超出时拒绝
  no_delay: true
  keepalive_sec: 30
  read_timeout_sec: 300             # 读超时，超时按空闲断开
  write_timeout_sec: 30

# 可靠 UDP 传输 (会话令牌 + 序列号确认重发)
udp:
  enabled: true
  listen: ":7001"                   # 可与 tcp.listen 使用相同端口号
  max_connections: 1024
  resend_interval_ms: 200           # 未确认包重发间隔
  idle_timeout_sec: 120             # 0 表示不清理空闲会话
  closed_filter_size: 100000        # 已关闭令牌过滤器每代容量
  socket_buffer_size: 4194304       # 套接字收发缓冲 (字节)

# 缓冲池
buffer:
  block_size: 4096                  # 缓冲块大小，不小于 max_packet_size
  block_count: 16384                # 缓冲块总数
  ring_capacity: 65536              # 每连接环形缓冲区容量
  max_packet_size: 4096             # 最大包长 (含帧头)
  max_operations: 0                 # 操作上下文上限，0 表示不限

# 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
