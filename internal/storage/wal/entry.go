// Пакет wal — файловый Write-Ahead Log файловых операций File Relay.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в FR_WAL_DIR.
// Транзакция фиксирует пару groupId/fileName: при рестарте pending
// загрузка откатывается (файл удаляется), pending удаление
// докатывается (файл и запись удаляются).
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpUpload — загрузка файла в группу
	OpUpload OperationType = "upload"
	// OpDelete — удаление файла группы
	OpDelete OperationType = "delete"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена (ошибка или recovery)
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL. Хранится как JSON-файл {tx_id}.wal.json.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип операции
	Operation OperationType `json:"operation"`

	// Status — текущий статус транзакции
	Status TransactionStatus `json:"status"`

	// GroupID — группа, над файлом которой выполняется операция
	GroupID string `json:"group_id"`

	// FileName — имя файла внутри директории группы
	FileName string `json:"file_name"`

	// StartedAt — время начала транзакции (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения транзакции (UTC).
	// nil для pending транзакций.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
