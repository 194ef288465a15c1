// Пакет service — бизнес-логика File Relay.
// upload.go — сервис загрузки файлов с WAL-транзакциями.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/cachebox/file-relay/internal/api/errors"
	"github.com/cachebox/file-relay/internal/api/middleware"
	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
	"github.com/cachebox/file-relay/internal/storage/metastore"
	"github.com/cachebox/file-relay/internal/storage/wal"
)

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// GroupID — идентификатор группы
	GroupID string
	// Reader — поток данных файла
	Reader io.Reader
	// FileName — имя файла из multipart part
	FileName string
	// Size — заявленный размер файла (из Content-Length multipart part)
	Size int64
	// UploadedByUid — идентификатор пользователя (sub из JWT)
	UploadedByUid string
	// UploadedByName — отображаемое имя пользователя
	UploadedByName string
}

// UploadError — ошибка загрузки с HTTP-кодом.
type UploadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UploadService — сервис загрузки файлов.
type UploadService struct {
	cfg       *config.Config
	walEngine *wal.WAL
	dirs      *groupdir.Adapter
	meta      *metastore.Store
	logger    *slog.Logger
}

// NewUploadService создаёт сервис загрузки файлов.
func NewUploadService(
	cfg *config.Config,
	walEngine *wal.WAL,
	dirs *groupdir.Adapter,
	meta *metastore.Store,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		cfg:       cfg,
		walEngine: walEngine,
		dirs:      dirs,
		meta:      meta,
		logger:    logger.With(slog.String("component", "upload_service")),
	}
}

// Upload сохраняет файл в директорию группы и регистрирует запись
// в metadata.json под WAL-транзакцией.
//
// Поток:
//  1. Валидация имён группы и файла
//  2. Проверка размера файла
//  3. WAL StartTransaction
//  4. SaveFile (streaming, temp → fsync → rename)
//  5. metastore.Update: замена записи с тем же fileName + добавление новой
//  6. WAL Commit
//
// При ошибке после записи файла — удаление файла + WAL Rollback.
func (s *UploadService) Upload(params UploadParams) (*model.FileRecord, *UploadError) {
	// 1. Валидация имён: оба становятся сегментами пути на диске
	if err := groupdir.ValidateName(params.GroupID); err != nil {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Недопустимый идентификатор группы: %s", err),
		}
	}
	if err := groupdir.ValidateName(params.FileName); err != nil {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Недопустимое имя файла: %s", err),
		}
	}
	if params.FileName == groupdir.MetadataFileName {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    "Имя файла зарезервировано",
		}
	}

	// 2. Проверка размера
	if params.Size > s.cfg.MaxFileSize {
		return nil, &UploadError{
			StatusCode: 413,
			Code:       apierrors.CodeValidationError,
			Message: fmt.Sprintf("Размер файла %d байт превышает максимум %d байт",
				params.Size, s.cfg.MaxFileSize),
		}
	}

	// 3. WAL StartTransaction
	walEntry, err := s.walEngine.StartTransaction(wal.OpUpload, params.GroupID, params.FileName)
	if err != nil {
		s.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при создании транзакции",
		}
	}

	// 4. Сохранение файла. Лимит размера контролируется и на уровне
	// потока: multipart Content-Length может врать.
	limited := io.LimitReader(params.Reader, s.cfg.MaxFileSize+1)
	size, err := s.dirs.SaveFile(params.GroupID, params.FileName, limited)
	if err != nil {
		s.rollback(walEntry.TransactionID, params.GroupID, params.FileName, false)
		s.logger.Error("Ошибка сохранения файла",
			slog.String("group_id", params.GroupID),
			slog.String("file_name", params.FileName),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при сохранении файла",
		}
	}
	if size > s.cfg.MaxFileSize {
		s.rollback(walEntry.TransactionID, params.GroupID, params.FileName, true)
		return nil, &UploadError{
			StatusCode: 413,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Размер файла превышает максимум %d байт", s.cfg.MaxFileSize),
		}
	}

	// 5. Регистрация записи в metadata.json
	record := model.FileRecord{
		ID:             uuid.New().String(),
		FileName:       params.FileName,
		FileURL:        model.FileURLFor(s.cfg.PublicURL, params.GroupID, params.FileName),
		UploadedByUid:  params.UploadedByUid,
		UploadedByName: params.UploadedByName,
		StoragePath:    model.StoragePathFor(params.GroupID, params.FileName),
		UploadedAt:     time.Now().UTC(),
	}

	_, _, err = s.meta.Update(params.GroupID, func(records []model.FileRecord) ([]model.FileRecord, bool) {
		// Повторная загрузка того же имени перезаписывает файл на диске,
		// поэтому прежняя запись с этим fileName вытесняется.
		out := records[:0]
		for _, r := range records {
			if r.FileName != params.FileName {
				out = append(out, r)
			}
		}
		return append(out, record), true
	})
	if err != nil {
		s.rollback(walEntry.TransactionID, params.GroupID, params.FileName, true)
		s.logger.Error("Ошибка обновления metadata.json",
			slog.String("group_id", params.GroupID),
			slog.String("file_name", params.FileName),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при обновлении метаданных",
		}
	}

	// 6. WAL Commit
	if err := s.walEngine.Commit(walEntry.TransactionID); err != nil {
		// Файл и метаданные уже согласованы; оборванная транзакция
		// будет закрыта при следующем восстановлении WAL.
		s.logger.Warn("Ошибка фиксации WAL-транзакции",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	middleware.UploadBytes.Add(float64(size))
	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()

	s.logger.Info("Файл загружен",
		slog.String("group_id", params.GroupID),
		slog.String("file_id", record.ID),
		slog.String("file_name", record.FileName),
		slog.Int64("size", size),
		slog.String("uploaded_by", params.UploadedByUid),
	)

	return &record, nil
}

// Delete удаляет запись о файле по id и сам файл с диска под
// WAL-транзакцией. Запись вытесняется до удаления файла: осиротевший
// файл безопаснее осиротевшей записи, его подберёт сверка. Оборванное
// удаление докатывается при восстановлении WAL.
func (s *UploadService) Delete(groupID, fileID string) (*model.FileRecord, *UploadError) {
	if err := groupdir.ValidateName(groupID); err != nil {
		return nil, &UploadError{
			StatusCode: 400,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Недопустимый идентификатор группы: %s", err),
		}
	}

	// Имя файла нужно до вытеснения записи: WAL фиксирует groupId/fileName
	records, err := s.meta.Load(groupID)
	if err != nil {
		s.logger.Error("Ошибка чтения метаданных группы",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при чтении метаданных",
		}
	}
	var target *model.FileRecord
	for i := range records {
		if records[i].ID == fileID {
			target = &records[i]
			break
		}
	}
	if target == nil {
		return nil, &UploadError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Запись о файле не найдена",
		}
	}

	walEntry, err := s.walEngine.StartTransaction(wal.OpDelete, groupID, target.FileName)
	if err != nil {
		s.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при создании транзакции",
		}
	}

	var removed *model.FileRecord
	_, _, err = s.meta.Update(groupID, func(records []model.FileRecord) ([]model.FileRecord, bool) {
		out := records[:0]
		for i := range records {
			if records[i].ID == fileID && removed == nil {
				r := records[i]
				removed = &r
				continue
			}
			out = append(out, records[i])
		}
		return out, removed != nil
	})
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			s.logger.Warn("Не удалось откатить WAL-транзакцию",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Внутренняя ошибка при обновлении метаданных",
		}
	}
	if removed == nil {
		// Запись вытеснили между чтением и захватом группового замка
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			s.logger.Warn("Не удалось откатить WAL-транзакцию",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, &UploadError{
			StatusCode: 404,
			Code:       apierrors.CodeNotFound,
			Message:    "Запись о файле не найдена",
		}
	}

	if err := s.dirs.RemoveFile(groupID, removed.FileName); err != nil {
		// Транзакция остаётся pending: восстановление WAL докатит
		// удаление файла при следующем старте
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		s.logger.Error("Ошибка удаления файла с диска",
			slog.String("group_id", groupID),
			slog.String("file_name", removed.FileName),
			slog.String("error", err.Error()),
		)
		return nil, &UploadError{
			StatusCode: 500,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка удаления файла с диска",
		}
	}

	if err := s.walEngine.Commit(walEntry.TransactionID); err != nil {
		s.logger.Warn("Ошибка фиксации WAL-транзакции",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("error", err.Error()),
		)
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	s.logger.Info("Файл удалён",
		slog.String("group_id", groupID),
		slog.String("file_id", fileID),
		slog.String("file_name", removed.FileName),
	)

	return removed, nil
}

// rollback откатывает WAL-транзакцию и при необходимости удаляет
// частично сохранённый файл.
func (s *UploadService) rollback(txID, groupID, fileName string, removeFile bool) {
	middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()

	if removeFile {
		if err := s.dirs.RemoveFile(groupID, fileName); err != nil {
			s.logger.Warn("Не удалось удалить файл при откате",
				slog.String("group_id", groupID),
				slog.String("file_name", fileName),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.walEngine.Rollback(txID); err != nil {
		s.logger.Warn("Не удалось откатить WAL-транзакцию",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// RecoverWAL завершает оборванные операции, обнаруженные в WAL при
// старте сервера. Оборванная загрузка откатывается: частично
// загруженный файл удаляется, запись о нём вытесняется. Оборванное
// удаление докатывается: намерение пользователя уже зафиксировано,
// файл и запись удаляются. Завершённые записи очищаются.
func (s *UploadService) RecoverWAL() error {
	pending, err := s.walEngine.RecoverPending()
	if err != nil {
		return fmt.Errorf("ошибка восстановления WAL: %w", err)
	}

	for _, entry := range pending {
		// И откат загрузки, и докат удаления сводятся к одному:
		// файла и записи с этим именем быть не должно
		if err := s.dirs.RemoveFile(entry.GroupID, entry.FileName); err != nil {
			s.logger.Warn("Не удалось удалить файл оборванной операции",
				slog.String("group_id", entry.GroupID),
				slog.String("file_name", entry.FileName),
				slog.String("error", err.Error()),
			)
		}
		_, _, err := s.meta.Update(entry.GroupID, func(records []model.FileRecord) ([]model.FileRecord, bool) {
			out := records[:0]
			changed := false
			for _, r := range records {
				if r.FileName == entry.FileName {
					changed = true
					continue
				}
				out = append(out, r)
			}
			return out, changed
		})
		if err != nil {
			s.logger.Warn("Не удалось вычистить метаданные оборванной операции",
				slog.String("group_id", entry.GroupID),
				slog.String("error", err.Error()),
			)
		}

		finish := s.walEngine.Rollback
		outcome := "откатана"
		if entry.Operation == wal.OpDelete {
			finish = s.walEngine.Commit
			outcome = "докатана"
		}
		if err := finish(entry.TransactionID); err != nil {
			s.logger.Warn("Не удалось завершить оборванную WAL-транзакцию",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Info("Оборванная операция "+outcome,
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("group_id", entry.GroupID),
			slog.String("file_name", entry.FileName),
		)
	}

	if _, err := s.walEngine.CleanCompleted(); err != nil {
		s.logger.Warn("Ошибка очистки завершённых WAL-записей", slog.String("error", err.Error()))
	}

	return nil
}
