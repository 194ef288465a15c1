// files.go — HTTP handlers файловых операций File Relay.
// Upload, List (с опциональной сверкой), Delete, отдача файлов.
package handlers

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/cachebox/file-relay/internal/api/errors"
	"github.com/cachebox/file-relay/internal/api/middleware"
	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/service"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
	"github.com/cachebox/file-relay/internal/storage/metastore"
)

// multipartMemoryLimit — буфер парсинга multipart form в памяти;
// остальное multipart складывает во временные файлы.
const multipartMemoryLimit = 32 << 20 // 32 MB

// contentTypeOverrides — явные Content-Type для медиа-расширений.
// Клиенты-плееры полагаются именно на эти значения.
var contentTypeOverrides = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".mp4": "video/mp4",
}

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploadSvc    *service.UploadService
	reconcileSvc *service.ReconcileService
	dirs         *groupdir.Adapter
	meta         *metastore.Store
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	uploadSvc *service.UploadService,
	reconcileSvc *service.ReconcileService,
	dirs *groupdir.Adapter,
	meta *metastore.Store,
) *FilesHandler {
	return &FilesHandler{
		uploadSvc:    uploadSvc,
		reconcileSvc: reconcileSvc,
		dirs:         dirs,
		meta:         meta,
	}
}

// Upload обрабатывает POST /upload/{groupId}.
// Multipart form: file (обязательно). Требует аутентификации.
// Успех — 200 с созданной записью FileRecord.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	groupID := pathParam(r, "groupId")

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	record, uploadErr := h.uploadSvc.Upload(service.UploadParams{
		GroupID:        groupID,
		Reader:         file,
		FileName:       header.Filename,
		Size:           header.Size,
		UploadedByUid:  identity.Subject,
		UploadedByName: identity.DisplayName,
	})
	if uploadErr != nil {
		apierrors.WriteError(w, uploadErr.StatusCode, uploadErr.Code, uploadErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// List обрабатывает GET /list/{groupId}?sync=true|false.
// Возвращает записи группы, новые первые. С sync=true перед выдачей
// выполняется сверка metadata.json с диском.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "groupId")
	if err := groupdir.ValidateName(groupID); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Недопустимый идентификатор группы: %s", err))
		return
	}

	shouldSync := r.URL.Query().Get("sync") == "true"

	var records []model.FileRecord
	var err error
	if shouldSync {
		records, _, err = h.reconcileSvc.ReconcileGroup(groupID)
	} else {
		records, err = h.meta.Load(groupID)
		model.SortByUploadedAtDesc(records)
	}
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения списка файлов группы")
		return
	}

	if records == nil {
		records = []model.FileRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Delete обрабатывает DELETE /delete/{groupId}/{fileId}.
// Удаляет запись по id и соответствующий файл с диска под
// WAL-транзакцией. Успех — {"success": true, "id": "<fileId>"}.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "groupId")
	fileID := pathParam(r, "fileId")

	if _, delErr := h.uploadSvc.Delete(groupID, fileID); delErr != nil {
		apierrors.WriteError(w, delErr.StatusCode, delErr.Code, delErr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      fileID,
	})
}

// ServeFile обрабатывает GET /files/{groupId}/{fileName}.
// Отдаёт файл с корректным Content-Type и поддержкой Range-запросов.
func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	groupID := pathParam(r, "groupId")
	fileName := pathParam(r, "fileName")

	f, err := h.dirs.OpenFile(groupID, fileName)
	if err != nil {
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(fileName))
	http.ServeContent(w, r, fileName, info.ModTime(), f)
}

// contentTypeFor определяет Content-Type файла по расширению.
func contentTypeFor(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ct, ok := contentTypeOverrides[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// pathParam извлекает и декодирует URL-параметр chi.
// Имена файлов в URL закодированы через encodeURIComponent.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// writeJSON сериализует успешный JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
