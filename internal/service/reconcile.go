// reconcile.go — сервис сверки metadata.json с содержимым диска.
//
// Диск — источник истины. Сверка приводит metadata.json группы к
// фактическому набору файлов:
//   - файл есть на диске, записи нет → добавляется SYSTEM-запись
//   - запись есть, файла нет → запись удаляется
//
// Сверка одной группы выполняется атомарно под групповым замком
// metastore, поэтому конкурентные загрузки не теряются.
package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
	"github.com/cachebox/file-relay/internal/storage/metastore"
)

// Prometheus метрики сверки
var (
	// reconcileRunsTotal — количество запусков сверки (по группам).
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_reconcile_runs_total",
		Help: "Общее количество сверок групп",
	})

	// reconcileAddedTotal — количество добавленных SYSTEM-записей.
	reconcileAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_reconcile_records_added_total",
		Help: "Общее количество записей, добавленных сверкой",
	})

	// reconcileRemovedTotal — количество удалённых осиротевших записей.
	reconcileRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_reconcile_records_removed_total",
		Help: "Общее количество записей, удалённых сверкой",
	})

	// reconcileDurationSeconds — длительность сверки группы.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fr_reconcile_duration_seconds",
		Help:    "Длительность сверки группы в секундах",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// ReconcileResult — результат сверки одной группы.
type ReconcileResult struct {
	// GroupID — идентификатор группы
	GroupID string `json:"groupId"`
	// Added — количество добавленных SYSTEM-записей
	Added int `json:"added"`
	// Removed — количество удалённых осиротевших записей
	Removed int `json:"removed"`
	// Changed — записывался ли metadata.json
	Changed bool `json:"changed"`
}

// ReconcileAllResult — итог сверки всех групп.
type ReconcileAllResult struct {
	// Groups — количество обработанных групп
	Groups int `json:"groups"`
	// Added — суммарное количество добавленных записей
	Added int `json:"added"`
	// Removed — суммарное количество удалённых записей
	Removed int `json:"removed"`
	// Errors — количество групп, сверка которых завершилась ошибкой
	Errors int `json:"errors"`
	// Duration — длительность полной сверки
	Duration time.Duration `json:"-"`
}

// ReconcileService — сервис сверки метаданных с диском.
type ReconcileService struct {
	cfg    *config.Config
	dirs   *groupdir.Adapter
	meta   *metastore.Store
	logger *slog.Logger
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	cfg *config.Config,
	dirs *groupdir.Adapter,
	meta *metastore.Store,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		cfg:    cfg,
		dirs:   dirs,
		meta:   meta,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

// ReconcileGroup сверяет metadata.json группы с диском и возвращает
// актуальный набор записей. Набор отсортирован: новые первые.
func (s *ReconcileService) ReconcileGroup(groupID string) ([]model.FileRecord, *ReconcileResult, error) {
	start := time.Now()

	result := &ReconcileResult{GroupID: groupID}
	var listErr error

	records, changed, err := s.meta.Update(groupID, func(records []model.FileRecord) ([]model.FileRecord, bool) {
		// Диск читается под групповым замком: снимок, сделанный до
		// захвата, не увидит файл загрузки, завершившейся в этом окне,
		// и фаза 1 вытеснит её аутентифицированную запись.
		entries, err := s.dirs.ListEntries(groupID)
		if err != nil {
			listErr = err
			return records, false
		}

		onDisk := make(map[string]bool, len(entries))
		for _, name := range entries {
			onDisk[name] = true
		}

		known := make(map[string]bool, len(records))
		out := records[:0]
		mutated := false

		// Фаза 1: удаление записей без файла на диске
		for _, r := range records {
			if !onDisk[r.FileName] {
				mutated = true
				result.Removed++
				continue
			}
			known[r.FileName] = true
			out = append(out, r)
		}

		// Фаза 2: SYSTEM-записи для файлов без записи
		for _, name := range entries {
			if known[name] {
				continue
			}
			out = append(out, model.FileRecord{
				ID:             uuid.New().String(),
				FileName:       name,
				FileURL:        model.FileURLFor(s.cfg.PublicURL, groupID, name),
				UploadedByUid:  model.SystemUID,
				UploadedByName: model.SystemName,
				StoragePath:    model.StoragePathFor(groupID, name),
				UploadedAt:     time.Now().UTC(),
			})
			mutated = true
			result.Added++
		}

		return out, mutated
	})
	if listErr != nil {
		return nil, nil, fmt.Errorf("ошибка чтения директории группы %s: %w", groupID, listErr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка сверки группы %s: %w", groupID, err)
	}

	result.Changed = changed

	reconcileRunsTotal.Inc()
	reconcileAddedTotal.Add(float64(result.Added))
	reconcileRemovedTotal.Add(float64(result.Removed))
	reconcileDurationSeconds.Observe(time.Since(start).Seconds())

	if changed {
		s.logger.Info("Сверка группы изменила метаданные",
			slog.String("group_id", groupID),
			slog.Int("added", result.Added),
			slog.Int("removed", result.Removed),
		)
	}

	model.SortByUploadedAtDesc(records)
	return records, result, nil
}

// ReconcileAll сверяет все группы, найденные в директории загрузок.
// Ошибка одной группы не прерывает обход остальных.
func (s *ReconcileService) ReconcileAll() (*ReconcileAllResult, error) {
	start := time.Now()

	groups, err := s.dirs.ListGroups()
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории загрузок: %w", err)
	}

	total := &ReconcileAllResult{}
	for _, groupID := range groups {
		_, res, err := s.ReconcileGroup(groupID)
		if err != nil {
			total.Errors++
			s.logger.Error("Ошибка сверки группы",
				slog.String("group_id", groupID),
				slog.String("error", err.Error()),
			)
			continue
		}
		total.Groups++
		total.Added += res.Added
		total.Removed += res.Removed
	}

	total.Duration = time.Since(start)

	s.logger.Info("Полная сверка завершена",
		slog.Int("groups", total.Groups),
		slog.Int("added", total.Added),
		slog.Int("removed", total.Removed),
		slog.Int("errors", total.Errors),
		slog.Duration("duration", total.Duration),
	)

	return total, nil
}
