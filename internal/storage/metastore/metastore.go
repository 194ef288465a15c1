// Пакет metastore — durable-хранилище метаданных группы.
// На каждую группу — один документ metadata.json (JSON-массив FileRecord)
// внутри директории группы. Все операции записи выполняются атомарно:
// temp → fsync → rename.
//
// Цикл load-modify-save сериализуется per-group мьютексом (Update):
// параллельные писатели одной группы (upload, delete, сверка) не могут
// потерять обновления друг друга.
//
// Политика чтения lenient: повреждённый или нечитаемый документ
// трактуется как пустой список, а не ошибка. Восстановление логируется
// и считается в метрике fr_metadata_recoveries_total — постоянный рост
// счётчика сигнализирует о внешнем вмешательстве в директорию.
package metastore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
)

// metadataRecoveries — количество lenient-восстановлений после
// повреждённого metadata.json.
var metadataRecoveries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fr_metadata_recoveries_total",
	Help: "Количество восстановлений после повреждённого metadata.json",
})

// Store — хранилище metadata.json документов групп.
type Store struct {
	dirs   *groupdir.Adapter
	logger *slog.Logger

	// mu защищает карту locks; сами операции группы держат
	// только свой per-group мьютекс.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New создаёт Store поверх адаптера директорий групп.
func New(dirs *groupdir.Adapter, logger *slog.Logger) *Store {
	return &Store{
		dirs:   dirs,
		logger: logger.With(slog.String("component", "metastore")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// groupLock возвращает мьютекс группы, создавая его при первом обращении.
func (s *Store) groupLock(groupID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[groupID] = lock
	}
	return lock
}

// Path возвращает путь к metadata.json группы.
func (s *Store) Path(groupID string) (string, error) {
	dir, err := s.dirs.GroupPath(groupID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, groupdir.MetadataFileName), nil
}

// Load читает записи группы. Создаёт пустой документ, если его нет.
// Повреждённое содержимое трактуется как пустой список (lenient read).
func (s *Store) Load(groupID string) ([]model.FileRecord, error) {
	lock := s.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	return s.loadLocked(groupID)
}

// loadLocked — чтение без захвата per-group мьютекса.
// Вызывающий обязан держать lock группы.
func (s *Store) loadLocked(groupID string) ([]model.FileRecord, error) {
	if _, err := s.dirs.EnsureDir(groupID); err != nil {
		return nil, err
	}

	path, err := s.Path(groupID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Первое обращение к группе — создаём пустой документ
			if wErr := s.writeAtomic(path, []model.FileRecord{}); wErr != nil {
				return nil, wErr
			}
			return []model.FileRecord{}, nil
		}
		return nil, fmt.Errorf("ошибка чтения metadata.json группы %s: %w", groupID, err)
	}

	var records []model.FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// Lenient read: повреждённый документ — пустой список
		metadataRecoveries.Inc()
		s.logger.Warn("metadata.json повреждён, восстановление с пустого списка",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return []model.FileRecord{}, nil
	}

	return records, nil
}

// Save перезаписывает документ группы целиком.
func (s *Store) Save(groupID string, records []model.FileRecord) error {
	lock := s.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	return s.saveLocked(groupID, records)
}

// saveLocked — запись без захвата per-group мьютекса.
func (s *Store) saveLocked(groupID string, records []model.FileRecord) error {
	if _, err := s.dirs.EnsureDir(groupID); err != nil {
		return err
	}
	path, err := s.Path(groupID)
	if err != nil {
		return err
	}
	return s.writeAtomic(path, records)
}

// Update выполняет сериализованный цикл load-modify-save группы.
// fn получает текущие записи и возвращает новые плюс флаг изменения;
// документ перезаписывается только при changed=true, чтобы не плодить
// лишние записи и изменения mtime.
// Возвращает итоговые записи и флаг изменения.
func (s *Store) Update(groupID string, fn func(records []model.FileRecord) ([]model.FileRecord, bool)) ([]model.FileRecord, bool, error) {
	lock := s.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.loadLocked(groupID)
	if err != nil {
		return nil, false, err
	}

	updated, changed := fn(records)
	if !changed {
		return records, false, nil
	}

	if err := s.saveLocked(groupID, updated); err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// writeAtomic записывает массив записей атомарно: temp → fsync → rename.
func (s *Store) writeAtomic(path string, records []model.FileRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}
