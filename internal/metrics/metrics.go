// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 健康状态汇总 - 组件检查函数 + 运行时长
// =============================================================================
package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc 组件检查函数
type CheckFunc func() ComponentHealth

// Health 健康状态汇总器
type Health struct {
	version   string
	startTime time.Time
	now       func() time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealth 创建健康状态汇总器
func NewHealth(version string) *Health {
	return &Health{
		version:   version,
		startTime: time.Now(),
		now:       time.Now,
		checks:    make(map[string]CheckFunc),
	}
}

// Register 注册组件检查，同名覆盖
func (h *Health) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.mu.Unlock()
}

// Status 执行全部检查并汇总
//
// 任一组件 unhealthy 则整体 unhealthy，否则任一 degraded 则整体 degraded。
func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	now := h.now()
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  now,
		Version:    h.version,
		Uptime:     now.Sub(h.startTime).Truncate(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(names)),
	}

	for _, name := range names {
		c := checks[name]()
		status.Components[name] = c
		switch c.Status {
		case StatusUnhealthy:
			status.Status = StatusUnhealthy
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}
	return status
}
