package gateway

import (
	"context"
	"runtime"
	"time"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	System    SystemStats       `json:"system"`
	Version   string            `json:"version"`
}

type SystemStats struct {
	CPUCount   int    `json:"cpu_count"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	HeapSys    uint64 `json:"heap_sys_bytes"`
}

// Health probes the runtime and database and reports process statistics.
// The gateway itself stays healthy while a dependency is down.
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := HealthReport{
		Status:    statusHealthy,
		Timestamp: s.now(),
		Services:  map[string]string{},
		Version:   s.version,
	}

	report.Services["ollama"] = statusHealthy
	if err := s.runtime.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("health: runtime unreachable")
		report.Services["ollama"] = statusUnhealthy
	}

	if s.db != nil {
		report.Services["database"] = statusHealthy
		if err := s.db.PingContext(ctx); err != nil {
			s.log.Warn().Err(err).Msg("health: database unreachable")
			report.Services["database"] = statusUnhealthy
		}
	}

	if s.cache != nil {
		report.Services["redis"] = statusHealthy
		if err := s.cache.Ping(ctx); err != nil {
			report.Services["redis"] = statusDegraded
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.System = SystemStats{
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		HeapSys:    mem.HeapSys,
	}
	return report
}
