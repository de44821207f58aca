package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/hindsight/internal/database"
	"github.com/aristath/hindsight/internal/modules/calculations"
)

// SystemHandlers serves system monitoring and maintenance endpoints.
type SystemHandlers struct {
	log     zerolog.Logger
	dataDir string

	historyDB *database.DB
	resultsDB *database.DB
	cacheDB   *database.DB
	cache     *calculations.Cache
}

// NewSystemHandlers creates the system handler set.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	historyDB, resultsDB, cacheDB *database.DB,
	cache *calculations.Cache,
) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		historyDB: historyDB,
		resultsDB: resultsDB,
		cacheDB:   cacheDB,
		cache:     cache,
	}
}

// HandleHealth is the liveness probe.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	for _, db := range h.databases() {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Health check failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	h.writeJSON(w, code, map[string]string{"status": status})
}

// SystemStatusResponse reports process and host health.
type SystemStatusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	CPUPercent float64            `json:"cpu_percent"`
	RAMPercent float64            `json:"ram_percent"`
	DataDirMB  float64            `json:"data_dir_mb"`
	Databases  map[string]string  `json:"databases"`
	Cache      calculations.Stats `json:"cache"`
}

// HandleSystemStatus reports host resource usage and database health.
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := h.getSystemStats()

	databases := make(map[string]string)
	for _, db := range h.databases() {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			databases[db.Name()] = "error: " + err.Error()
		} else {
			databases[db.Name()] = "ok"
		}
	}

	response := SystemStatusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339),
		CPUPercent: cpuPercent,
		RAMPercent: ramPercent,
		DataDirMB:  h.getDirSize(h.dataDir),
		Databases:  databases,
	}
	if h.cache != nil {
		response.Cache = h.cache.GetStats()
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleDatabaseStats reports per-database file and page statistics.
// GET /api/system/database/stats
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]*database.Stats)
	for _, db := range h.databases() {
		if db == nil {
			continue
		}
		s, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to collect database stats")
			continue
		}
		stats[db.Name()] = s
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// HandleCacheStats reports statistics cache effectiveness.
// GET /api/system/cache/stats
func (h *SystemHandlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, calculations.Stats{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.GetStats())
}

// HandleCacheClear drops every cached statistic.
// POST /api/system/cache/clear
func (h *SystemHandlers) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		h.cache.Clear()
		h.log.Info().Msg("Statistics cache cleared via API")
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandleCachePrune removes expired persisted cache entries.
// POST /api/system/cache/prune
func (h *SystemHandlers) HandleCachePrune(w http.ResponseWriter, r *http.Request) {
	var removed int64
	if h.cache != nil {
		var err error
		removed, err = h.cache.PruneExpired()
		if err != nil {
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "success", "removed": removed})
}

func (h *SystemHandlers) databases() []*database.DB {
	return []*database.DB{h.historyDB, h.resultsDB, h.cacheDB}
}

// getSystemStats returns CPU and RAM usage percentages. The CPU sample uses a
// short interval so the endpoint stays fast for pollers.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
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

// getDirSize calculates total size of a directory in MB.
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
