// sqlite.go — реализация Store поверх GORM + SQLite.
package groupdoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLStore — хранилище документов групп в SQLite.
type SQLStore struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open открывает (и при необходимости создаёт) базу документов
// по указанному пути и выполняет миграцию схемы.
func Open(dbPath string, log *slog.Logger) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть базу документов %s: %w", dbPath, err)
	}

	if err := db.AutoMigrate(&GroupDoc{}, &SubDoc{}); err != nil {
		return nil, fmt.Errorf("ошибка миграции схемы документов: %w", err)
	}

	return &SQLStore{
		db:  db,
		log: log.With(slog.String("component", "groupdoc")),
	}, nil
}

// NewWithDB создаёт SQLStore поверх готового подключения.
// Используется в тестах.
func NewWithDB(db *gorm.DB, log *slog.Logger) (*SQLStore, error) {
	if err := db.AutoMigrate(&GroupDoc{}, &SubDoc{}); err != nil {
		return nil, fmt.Errorf("ошибка миграции схемы документов: %w", err)
	}
	return &SQLStore{
		db:  db,
		log: log.With(slog.String("component", "groupdoc")),
	}, nil
}

// Create сохраняет новый документ группы.
// Создание групп — операция внешнего приложения; здесь используется
// тестами и инструментами наполнения.
func (s *SQLStore) Create(ctx context.Context, doc *GroupDoc) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("ошибка создания документа группы %s: %w", doc.ID, err)
	}
	return nil
}

// CreateSubDoc сохраняет документ подколлекции группы.
func (s *SQLStore) CreateSubDoc(ctx context.Context, doc *SubDoc) error {
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("ошибка создания документа подколлекции %s/%s: %w",
			doc.GroupID, doc.Collection, err)
	}
	return nil
}

// Get возвращает документ группы или ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, groupID string) (*GroupDoc, error) {
	var doc GroupDoc
	err := s.db.WithContext(ctx).First(&doc, "id = ?", groupID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения документа группы %s: %w", groupID, err)
	}
	return &doc, nil
}

// UpdateFields обновляет перечисленные поля документа.
// Реализовано как load-apply-save, чтобы сериализация members
// проходила через модель, а не сырой SQL.
func (s *SQLStore) UpdateFields(ctx context.Context, groupID string, fields map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc GroupDoc
		if err := tx.First(&doc, "id = ?", groupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка чтения документа группы %s: %w", groupID, err)
		}

		for key, val := range fields {
			switch key {
			case FieldDeletionDeadline:
				switch v := val.(type) {
				case nil:
					doc.DeletionDeadline = nil
				case *time.Time:
					doc.DeletionDeadline = v
				case time.Time:
					doc.DeletionDeadline = &v
				default:
					return fmt.Errorf("поле %s: неподдерживаемый тип %T", key, val)
				}
			case FieldMembers:
				members, ok := val.([]string)
				if !ok {
					return fmt.Errorf("поле %s: неподдерживаемый тип %T", key, val)
				}
				doc.Members = members
			default:
				return fmt.Errorf("неизвестное поле документа: %s", key)
			}
		}

		// Save перезаписывает все колонки, включая NULL для снятого дедлайна
		if err := tx.Save(&doc).Error; err != nil {
			return fmt.Errorf("ошибка обновления документа группы %s: %w", groupID, err)
		}
		return nil
	})
}

// Delete удаляет документ группы. Идемпотентен.
func (s *SQLStore) Delete(ctx context.Context, groupID string) error {
	if err := s.db.WithContext(ctx).Delete(&GroupDoc{}, "id = ?", groupID).Error; err != nil {
		return fmt.Errorf("ошибка удаления документа группы %s: %w", groupID, err)
	}
	return nil
}

// ListSubcollections возвращает имена непустых подколлекций группы.
func (s *SQLStore) ListSubcollections(ctx context.Context, groupID string) ([]string, error) {
	var collections []string
	err := s.db.WithContext(ctx).
		Model(&SubDoc{}).
		Where("group_id = ?", groupID).
		Distinct("collection").
		Pluck("collection", &collections).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения подколлекций группы %s: %w", groupID, err)
	}
	return collections, nil
}

// DeleteSubcollectionBatch удаляет до limit документов подколлекции.
// Возвращает количество удалённых документов.
func (s *SQLStore) DeleteSubcollectionBatch(ctx context.Context, groupID, collection string, limit int) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&SubDoc{}).
		Where("group_id = ? AND collection = ?", groupID, collection).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("ошибка выборки документов подколлекции %s/%s: %w", groupID, collection, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Delete(&SubDoc{}, ids)
	if res.Error != nil {
		return 0, fmt.Errorf("ошибка удаления документов подколлекции %s/%s: %w", groupID, collection, res.Error)
	}
	return int(res.RowsAffected), nil
}

// QueryExpired возвращает идентификаторы групп с наступившим дедлайном.
func (s *SQLStore) QueryExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&GroupDoc{}).
		Where("deletion_deadline IS NOT NULL AND deletion_deadline <= ?", now).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки просроченных групп: %w", err)
	}
	return ids, nil
}

// Ping проверяет доступность базы документов.
// Используется health-проверкой готовности.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ Store = (*SQLStore)(nil)
