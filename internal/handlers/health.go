package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/database"
)

type HealthHandler struct {
	cacheBackend cache.Cache
}

func NewHealthHandler(cacheBackend cache.Cache) *HealthHandler {
	return &HealthHandler{cacheBackend: cacheBackend}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	CacheSize *int              `json:"cache_entries,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	// Check database
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["database"] = "healthy"
	}

	// The local in-memory backend has no external store to check, but
	// reporting its size still gives an operator a signal the Redis
	// backend gets for free from INFO.
	if mc, ok := h.cacheBackend.(*cache.MemoryCache); ok {
		size := mc.Len()
		response.CacheSize = &size
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Check if service is ready to accept requests
	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
