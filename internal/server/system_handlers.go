package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ipozdeev/black-litterman-bayes/internal/database"
)

// SystemHandlers serves health and status endpoints.
type SystemHandlers struct {
	marketDB *database.DB
	cacheDB  *database.DB
	log      zerolog.Logger
}

// NewSystemHandlers creates the system handler set.
func NewSystemHandlers(marketDB, cacheDB *database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		marketDB: marketDB,
		cacheDB:  cacheDB,
		log:      log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleHealth handles GET /api/health.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	databases := map[string]string{}
	for _, db := range []*database.DB{h.marketDB, h.cacheDB} {
		if err := db.HealthCheck(ctx); err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			databases[db.Name()] = "unhealthy"
			status = "degraded"
		} else {
			databases[db.Name()] = "ok"
		}
	}

	cpuAvg, ramUsed := h.systemUsage()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"databases":   databases,
		"cpu_percent": cpuAvg,
		"ram_percent": ramUsed,
	})
}

// systemUsage samples CPU and memory usage. CPU is sampled over 100ms to keep
// the endpoint responsive for polling clients.
func (h *SystemHandlers) systemUsage() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
