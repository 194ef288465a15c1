// maintenance.go — обработчик административных операций.
package handlers

import (
	"net/http"

	apierrors "github.com/cachebox/file-relay/internal/api/errors"
	"github.com/cachebox/file-relay/internal/service"
)

// MaintenanceHandler — обработчик maintenance endpoints.
type MaintenanceHandler struct {
	reconcileSvc *service.ReconcileService
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reconcileSvc *service.ReconcileService) *MaintenanceHandler {
	return &MaintenanceHandler{reconcileSvc: reconcileSvc}
}

// Reconcile обрабатывает POST /maintenance/reconcile.
// Запускает полную сверку metadata.json всех групп с диском
// и возвращает итоги.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.reconcileSvc.ReconcileAll()
	if err != nil {
		apierrors.InternalError(w, "Ошибка полной сверки: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}
