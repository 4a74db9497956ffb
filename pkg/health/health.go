// Copyright 2025 Takhin Data, Inc.

// Package health exposes liveness/readiness HTTP probes. Readiness is
// gated on the database manager's first mount cycle, mirroring a
// delay_set_available_seconds gate: a node only advertises itself as
// serving once every desired partition has had a chance to load.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/takhin-data/laser/pkg/logger"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Check struct {
	Status     Status                `json:"status"`
	Version    string                `json:"version"`
	Uptime     string                `json:"uptime"`
	Timestamp  time.Time             `json:"timestamp"`
	Components map[string]Component  `json:"components"`
	SystemInfo SystemInfo            `json:"system_info"`
}

type Component struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type SystemInfo struct {
	GoVersion     string  `json:"go_version"`
	NumGoroutines int     `json:"num_goroutines"`
	NumCPU        int     `json:"num_cpu"`
	MemoryMB      float64 `json:"memory_mb"`
}

// ReadinessProvider is satisfied by pkg/dbmanager.Manager. It is kept
// narrow so pkg/health never imports pkg/dbmanager.
type ReadinessProvider interface {
	// Ready reports whether the first mount cycle has completed.
	Ready() bool
	// PartitionCounts reports how many partitions are mounted, by state.
	PartitionCounts() map[string]int
}

// Checker manages health checks against the database manager.
type Checker struct {
	startTime time.Time
	version   string
	provider  ReadinessProvider
	logger    logger.Logger
	mu        sync.RWMutex
}

func NewChecker(version string, provider ReadinessProvider) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		provider:  provider,
		logger:    *logger.Default().WithComponent("health"),
	}
}

func (c *Checker) Check() *Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]Component)
	components["partitions"] = c.checkPartitions()

	return &Check{
		Status:     c.determineOverallStatus(components),
		Version:    c.version,
		Uptime:     c.getUptime(),
		Timestamp:  time.Now(),
		Components: components,
		SystemInfo: c.getSystemInfo(),
	}
}

func (c *Checker) checkPartitions() Component {
	if c.provider == nil {
		return Component{
			Status:  StatusUnhealthy,
			Message: "database manager not initialized",
		}
	}

	counts := c.provider.PartitionCounts()
	status := StatusHealthy
	if !c.provider.Ready() {
		status = StatusDegraded
	}

	details := make(map[string]interface{}, len(counts))
	for state, n := range counts {
		details[state] = n
	}

	return Component{
		Status:  status,
		Message: "mounted partition counts by state",
		Details: details,
	}
}

func (c *Checker) determineOverallStatus(components map[string]Component) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, component := range components {
		switch component.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func (c *Checker) getUptime() string {
	duration := time.Since(c.startTime)

	days := int(duration.Hours() / 24)
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func (c *Checker) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		MemoryMB:      float64(m.Alloc) / (1024 * 1024),
	}
}

// ReadinessCheck reports whether the node should receive traffic.
func (c *Checker) ReadinessCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider != nil && c.provider.Ready()
}

// LivenessCheck reports whether the process can still respond at all.
func (c *Checker) LivenessCheck() bool {
	return true
}

// Server provides HTTP endpoints for health checks.
type Server struct {
	checker *Checker
	server  *http.Server
	logger  logger.Logger
}

func NewServer(addr string, checker *Checker) *Server {
	mux := http.NewServeMux()

	s := &Server{
		checker: checker,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: *logger.Default().WithComponent("health-server"),
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/health/live", s.handleLiveness)

	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting health check server", "address", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	s.logger.Info("stopping health check server")
	return s.server.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checker.Check()

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := s.checker.ReadinessCheck()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	alive := s.checker.LivenessCheck()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"alive": alive})
}
