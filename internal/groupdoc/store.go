// Пакет groupdoc — внешнее хранилище документов групп.
//
// Документ группы — единственный источник истины о жизненном цикле:
// владелец, участники, дедлайн удаления. Движок работает только через
// интерфейс Store; файловая система и metadata.json — кэши, которые
// сверяются с фактическим наличием файлов, но не с документом.
//
// Семантика повторяет документное хранилище с подколлекциями:
// update затрагивает только перечисленные поля, подколлекции удаляются
// ограниченными батчами в цикле до опустошения.
package groupdoc

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается, когда документ группы не существует.
var ErrNotFound = errors.New("документ группы не найден")

// Имена полей документа для UpdateFields.
const (
	// FieldDeletionDeadline — дедлайн удаления (*time.Time, nil очищает поле)
	FieldDeletionDeadline = "deletionDeadline"
	// FieldMembers — список участников ([]string)
	FieldMembers = "members"
)

// GroupDoc — документ группы.
type GroupDoc struct {
	// ID — идентификатор группы
	ID string `gorm:"primaryKey;column:id"`
	// OwnerUID — владелец группы; только он управляет удалением
	OwnerUID string `gorm:"column:owner_uid"`
	// Members — участники группы
	Members []string `gorm:"column:members;serializer:json"`
	// DeletionDeadline — дедлайн удаления; nil, если удаление не запланировано
	DeletionDeadline *time.Time `gorm:"column:deletion_deadline;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName задаёт имя таблицы документов групп.
func (GroupDoc) TableName() string {
	return "group_docs"
}

// SubDoc — документ подколлекции группы (сообщения, приглашения и т.п.).
type SubDoc struct {
	ID uint `gorm:"primaryKey"`
	// GroupID — родительская группа
	GroupID string `gorm:"column:group_id;index:idx_subdocs_group_collection"`
	// Collection — имя подколлекции
	Collection string `gorm:"column:collection;index:idx_subdocs_group_collection"`
	// DocID — идентификатор документа внутри подколлекции
	DocID string `gorm:"column:doc_id"`
	// Data — произвольное JSON-содержимое документа
	Data []byte `gorm:"column:data"`

	CreatedAt time.Time
}

// TableName задаёт имя таблицы документов подколлекций.
func (SubDoc) TableName() string {
	return "sub_docs"
}

// Store — интерфейс хранилища документов групп, потребляемый движком.
type Store interface {
	// Get возвращает документ группы или ErrNotFound.
	Get(ctx context.Context, groupID string) (*GroupDoc, error)

	// UpdateFields обновляет перечисленные поля документа.
	// Допустимые ключи — Field*-константы. ErrNotFound, если документа нет.
	UpdateFields(ctx context.Context, groupID string, fields map[string]any) error

	// Delete удаляет документ группы. Идемпотентен.
	Delete(ctx context.Context, groupID string) error

	// ListSubcollections возвращает имена непустых подколлекций группы.
	ListSubcollections(ctx context.Context, groupID string) ([]string, error)

	// DeleteSubcollectionBatch удаляет до limit документов подколлекции.
	// Возвращает количество удалённых; 0 означает, что подколлекция пуста.
	DeleteSubcollectionBatch(ctx context.Context, groupID, collection string, limit int) (int, error)

	// QueryExpired возвращает идентификаторы групп, чей дедлайн
	// удаления наступил (deadline <= now).
	QueryExpired(ctx context.Context, now time.Time) ([]string, error)
}
