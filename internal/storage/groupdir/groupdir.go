// Пакет groupdir — операции с директориями групп на диске.
// Каждая группа владеет ровно одной директорией {uploadDir}/{groupId},
// в которой лежат загруженные файлы и служебный metadata.json.
// Все операции удаления идемпотентны: отсутствующая цель — не ошибка.
package groupdir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MetadataFileName — имя служебного документа метаданных группы.
// Исключается из листинга файлов.
const MetadataFileName = "metadata.json"

// Adapter — отображение идентификатора группы на директорию.
type Adapter struct {
	// uploadDir — корневая директория загрузок (FR_UPLOAD_DIR)
	uploadDir string
}

// New создаёт Adapter. Проверяет и создаёт корневую директорию,
// если она не существует.
func New(uploadDir string) (*Adapter, error) {
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию загрузок %s: %w", uploadDir, err)
	}
	return &Adapter{uploadDir: uploadDir}, nil
}

// UploadDir возвращает путь к корневой директории загрузок.
func (a *Adapter) UploadDir() string {
	return a.uploadDir
}

// ValidateName проверяет, что имя пригодно как единственный сегмент
// пути: без разделителей, не пустое и не ссылается вверх.
// Защита от path traversal для groupId и fileName.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("пустое имя")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("недопустимое имя %q", name)
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("имя %q содержит разделители пути", name)
	}
	return nil
}

// GroupPath возвращает путь к директории группы (без её создания).
func (a *Adapter) GroupPath(groupID string) (string, error) {
	if err := ValidateName(groupID); err != nil {
		return "", fmt.Errorf("некорректный groupId: %w", err)
	}
	return filepath.Join(a.uploadDir, groupID), nil
}

// EnsureDir идемпотентно создаёт директорию группы и возвращает её путь.
func (a *Adapter) EnsureDir(groupID string) (string, error) {
	dir, err := a.GroupPath(groupID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию группы %s: %w", groupID, err)
	}
	return dir, nil
}

// FilePath возвращает путь к файлу внутри директории группы.
// Оба сегмента валидируются против traversal.
func (a *Adapter) FilePath(groupID, fileName string) (string, error) {
	dir, err := a.GroupPath(groupID)
	if err != nil {
		return "", err
	}
	if err := ValidateName(fileName); err != nil {
		return "", fmt.Errorf("некорректное имя файла: %w", err)
	}
	return filepath.Join(dir, fileName), nil
}

// ListEntries возвращает имена реальных файлов группы.
// Исключаются: metadata.json, временные *.tmp, скрытые файлы
// и вложенные директории. Отсутствующая директория — пустой список.
func (a *Adapter) ListEntries(groupID string) ([]string, error) {
	dir, err := a.GroupPath(groupID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории группы %s: %w", groupID, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == MetadataFileName {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		names = append(names, name)
	}

	return names, nil
}

// ListGroups возвращает идентификаторы всех групп — имена
// поддиректорий корневой директории загрузок.
func (a *Adapter) ListGroups() ([]string, error) {
	entries, err := os.ReadDir(a.uploadDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории загрузок: %w", err)
	}

	var groups []string
	for _, entry := range entries {
		if entry.IsDir() {
			groups = append(groups, entry.Name())
		}
	}

	return groups, nil
}

// SaveFile записывает данные из reader в файл группы.
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется. Возвращает размер записанных данных.
func (a *Adapter) SaveFile(groupID, fileName string, reader io.Reader) (int64, error) {
	if _, err := a.EnsureDir(groupID); err != nil {
		return 0, err
	}
	fullPath, err := a.FilePath(groupID, fileName)
	if err != nil {
		return 0, err
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, nil
}

// OpenFile открывает файл группы для чтения.
// Вызывающий код обязан закрыть файл.
func (a *Adapter) OpenFile(groupID, fileName string) (*os.File, error) {
	fullPath, err := a.FilePath(groupID, fileName)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}

// Exists проверяет существование файла группы на диске.
func (a *Adapter) Exists(groupID, fileName string) bool {
	fullPath, err := a.FilePath(groupID, fileName)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(fullPath)
	return statErr == nil
}

// RemoveFile удаляет файл группы с диска.
// Возвращает nil, если файл уже не существует.
func (a *Adapter) RemoveFile(groupID, fileName string) error {
	fullPath, err := a.FilePath(groupID, fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s/%s: %w", groupID, fileName, err)
	}
	return nil
}

// RemoveAll рекурсивно удаляет директорию группы.
// Возвращает nil, если директория уже не существует.
func (a *Adapter) RemoveAll(groupID string) error {
	dir, err := a.GroupPath(groupID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ошибка удаления директории группы %s: %w", groupID, err)
	}
	return nil
}

// RemoveFilesThenDir удаляет файлы группы по одному, продолжая после
// отдельных ошибок, затем снимает саму директорию. Используется
// sweeper-ом, которому важно удалить максимум возможного.
// Возвращает количество неудалённых файлов.
func (a *Adapter) RemoveFilesThenDir(groupID string) (failed int, err error) {
	dir, dirErr := a.GroupPath(groupID)
	if dirErr != nil {
		return 0, dirErr
	}

	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения директории группы %s: %w", groupID, readErr)
	}

	for _, entry := range entries {
		if rmErr := os.RemoveAll(filepath.Join(dir, entry.Name())); rmErr != nil {
			failed++
		}
	}

	if rmErr := os.Remove(dir); rmErr != nil && !os.IsNotExist(rmErr) {
		return failed, fmt.Errorf("не удалось удалить директорию группы %s: %w", groupID, rmErr)
	}
	return failed, nil
}
