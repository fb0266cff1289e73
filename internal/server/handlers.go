package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/importfolio/internal/database"
)

// handleHealth handles health check requests. Includes database health so a
// failing disk surfaces before the first optimization request does.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	databases := map[string]string{}

	for name, db := range map[string]*database.DB{
		"history": s.historyDB,
		"cache":   s.cacheDB,
	} {
		if err := db.HealthCheck(r.Context()); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Database health check failed")
			databases[name] = "unhealthy"
			status = "degraded"
			continue
		}
		databases[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"service":        "importfolio",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"databases":      databases,
	})
}

// handleSystemStatus handles GET /api/system/status - process and host stats.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	// 100ms sample keeps the endpoint responsive for pollers.
	cpuAvg := 0.0
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuAvg = pct[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}

	ramPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		ramPercent = memStat.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "running",
		"cpu_percent": cpuAvg,
		"ram_percent": ramPercent,
		"process": map[string]interface{}{
			"alloc_mb":   m.Alloc / 1024 / 1024,
			"sys_mb":     m.Sys / 1024 / 1024,
			"num_gc":     m.NumGC,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}

// handleJobsStatus handles GET /api/system/jobs - scheduler job status.
func (s *Server) handleJobsStatus(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.Jobs()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(jobs),
		"jobs":       jobs,
	})
}

// handleDatabaseStats handles GET /api/system/databases - connection pool
// statistics for each database.
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	for name, db := range map[string]*database.DB{
		"history": s.historyDB,
		"cache":   s.cacheDB,
	} {
		st, err := db.GetStats()
		if err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Failed to get database stats")
			stats[name] = map[string]string{"error": err.Error()}
			continue
		}
		stats[name] = st
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
