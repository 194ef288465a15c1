// Пакет model — доменные модели File Relay.
// FileRecord — единая структура записи о файле группы, используется
// как in-memory представление и как элемент массива metadata.json.
package model

import (
	"net/url"
	"sort"
	"time"
)

// Sentinel-значения для записей, обнаруженных сверкой (reconciliation),
// а не созданных аутентифицированной загрузкой.
const (
	// SystemUID — uploadedByUid для обнаруженных файлов
	SystemUID = "SYSTEM"
	// SystemName — uploadedByName для обнаруженных файлов
	SystemName = "System"
)

// FileRecord — запись о файле группы. Соответствует элементу
// массива metadata.json. JSON-ключи совпадают с wire-форматом клиентов,
// менять их нельзя.
type FileRecord struct {
	// ID — уникальный идентификатор записи (UUID v4).
	// Единственный внешний handle для удаления файла.
	ID string `json:"id"`

	// FileName — имя файла внутри директории группы.
	// Уникально в пределах активного набора записей группы.
	FileName string `json:"fileName"`

	// FileURL — публичный URL файла. Не авторитетен: всегда
	// выводится заново из groupId + fileName.
	FileURL string `json:"fileUrl"`

	// UploadedByUid — идентификатор загрузившего (sub из JWT,
	// либо SystemUID для записей от сверки).
	UploadedByUid string `json:"uploadedByUid"`

	// UploadedByName — отображаемое имя загрузившего.
	UploadedByName string `json:"uploadedByName"`

	// StoragePath — относительный путь на диске: groupId/fileName.
	// Всегда разрешается внутри директории группы.
	StoragePath string `json:"storagePath"`

	// UploadedAt — время загрузки (UTC). Используется только
	// для сортировки при выдаче, новые первые.
	UploadedAt time.Time `json:"uploadedAt"`
}

// IsSystem возвращает true для записей, созданных сверкой.
func (r *FileRecord) IsSystem() bool {
	return r.UploadedByUid == SystemUID
}

// FileURLFor выводит публичный URL файла из базового URL сервера,
// идентификатора группы и имени файла.
func FileURLFor(baseURL, groupID, fileName string) string {
	return baseURL + "/files/" + url.PathEscape(groupID) + "/" + url.PathEscape(fileName)
}

// StoragePathFor выводит относительный путь файла на диске.
func StoragePathFor(groupID, fileName string) string {
	return groupID + "/" + fileName
}

// SortByUploadedAtDesc сортирует записи по дате загрузки, новые первые.
// Порядок обнаружения при сверке не гарантируется, поэтому выдача
// всегда пересортировывается.
func SortByUploadedAtDesc(records []FileRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UploadedAt.After(records[j].UploadedAt)
	})
}
