// groups.go — HTTP handlers жизненного цикла групп.
// Планирование и отмена удаления группы.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apierrors "github.com/cachebox/file-relay/internal/api/errors"
	"github.com/cachebox/file-relay/internal/service"
)

// GroupsHandler — обработчик endpoints жизненного цикла групп.
type GroupsHandler struct {
	lifecycleSvc *service.LifecycleService
}

// NewGroupsHandler создаёт обработчик endpoints жизненного цикла.
func NewGroupsHandler(lifecycleSvc *service.LifecycleService) *GroupsHandler {
	return &GroupsHandler{lifecycleSvc: lifecycleSvc}
}

// lifecycleRequest — тело запросов schedule-delete и undo-delete.
type lifecycleRequest struct {
	// RequestingUid — идентификатор инициатора; должен совпадать
	// с владельцем группы
	RequestingUid string `json:"requestingUid"`
}

// ScheduleDelete обрабатывает POST /group/{groupId}/schedule-delete.
// Успех — {"success": true, "deletionTimestamp": "<RFC3339>"}.
func (h *GroupsHandler) ScheduleDelete(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "groupId")

	req, ok := decodeLifecycleRequest(w, r)
	if !ok {
		return
	}

	deadline, lcErr := h.lifecycleSvc.ScheduleDeletion(r.Context(), groupID, req.RequestingUid)
	if lcErr != nil {
		apierrors.WriteError(w, lcErr.StatusCode, lcErr.Code, lcErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"deletionTimestamp": deadline.Format(time.RFC3339),
	})
}

// UndoDelete обрабатывает POST /group/{groupId}/undo-delete.
// Успех — {"success": true}.
func (h *GroupsHandler) UndoDelete(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "groupId")

	req, ok := decodeLifecycleRequest(w, r)
	if !ok {
		return
	}

	if lcErr := h.lifecycleSvc.UndoDeletion(r.Context(), groupID, req.RequestingUid); lcErr != nil {
		apierrors.WriteError(w, lcErr.StatusCode, lcErr.Code, lcErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
	})
}

// decodeLifecycleRequest читает тело запроса и проверяет requestingUid.
func decodeLifecycleRequest(w http.ResponseWriter, r *http.Request) (*lifecycleRequest, bool) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное JSON-тело запроса")
		return nil, false
	}
	if req.RequestingUid == "" {
		apierrors.ValidationError(w, "Поле requestingUid обязательно")
		return nil, false
	}
	return &req, true
}
