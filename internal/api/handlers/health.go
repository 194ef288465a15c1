// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cachebox/file-relay/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// DocStorePinger — проверка доступности хранилища документов групп.
type DocStorePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// uploadDir — корневая директория загрузок (для проверки FS)
	uploadDir string
	// walDir — директория WAL
	walDir string
	// docs — хранилище документов групп
	docs DocStorePinger
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(uploadDir, walDir string, docs DocStorePinger) *HealthHandler {
	return &HealthHandler{
		version:   config.Version,
		uploadDir: uploadDir,
		walDir:    walDir,
		docs:      docs,
	}
}

// Live обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "file-relay",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Ready обрабатывает GET /health/ready.
// Проверяет: директорию загрузок, директорию WAL, базу документов групп.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := h.checkWritableDir(h.uploadDir, "Директория загрузок")
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	walCheck := h.checkWritableDir(h.walDir, "Директория WAL")
	if walCheck["status"] != "ok" {
		if overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	docsCheck := h.checkDocStore(r.Context())
	if docsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "file-relay",
		"checks": map[string]any{
			"filesystem": fsCheck,
			"wal":        walCheck,
			"docstore":   docsCheck,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}

// checkWritableDir проверяет доступность директории на запись.
func (h *HealthHandler) checkWritableDir(dir, label string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": label + " недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}

// checkDocStore проверяет доступность базы документов групп.
func (h *HealthHandler) checkDocStore(ctx context.Context) map[string]any {
	if h.docs == nil {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.docs.Ping(pingCtx); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "База документов недоступна: " + err.Error(),
		}
	}

	return map[string]any{
		"status": "ok",
	}
}
