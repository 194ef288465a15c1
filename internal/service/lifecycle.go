// lifecycle.go — контроллер жизненного цикла групп.
//
// Удаление группы двухфазное: по истечении grace period участники
// исключаются из документа группы (boot-out), спустя PurgeDelay
// группа уничтожается полностью (директория, подколлекции, документ).
//
// Таймеры — ускорители, а не носители истины: каждый срабатывающий
// таймер перепроверяет дедлайн в документе группы и молча выходит,
// если удаление было отменено. Отмена дополнительно останавливает
// оба таймера. Потерянные при рестарте таймеры компенсирует sweeper.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/cachebox/file-relay/internal/api/errors"
	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/domain/lifecycle"
	"github.com/cachebox/file-relay/internal/groupdoc"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
)

// purgeBatchSize — размер батча при удалении документов подколлекций.
const purgeBatchSize = 100

// Prometheus метрики жизненного цикла
var (
	// groupsScheduledTotal — количество запланированных удалений.
	groupsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_groups_scheduled_total",
		Help: "Общее количество запланированных удалений групп",
	})

	// groupsUndoneTotal — количество отменённых удалений.
	groupsUndoneTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_groups_undone_total",
		Help: "Общее количество отменённых удалений групп",
	})

	// groupsBootedTotal — количество выполненных boot-out.
	groupsBootedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_groups_booted_total",
		Help: "Общее количество групп с исключёнными участниками",
	})

	// groupsPurgedTotal — количество полностью удалённых групп.
	groupsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_groups_purged_total",
		Help: "Общее количество полностью удалённых групп",
	})
)

// LifecycleError — ошибка операции жизненного цикла с HTTP-кодом.
type LifecycleError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// pendingDeletion — взведённые таймеры запланированного удаления.
type pendingDeletion struct {
	deadline   time.Time
	bootTimer  *time.Timer
	purgeTimer *time.Timer
}

// LifecycleService — контроллер жизненного цикла групп.
type LifecycleService struct {
	cfg    *config.Config
	dirs   *groupdir.Adapter
	docs   groupdoc.Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingDeletion
}

// NewLifecycleService создаёт контроллер жизненного цикла.
func NewLifecycleService(
	cfg *config.Config,
	dirs *groupdir.Adapter,
	docs groupdoc.Store,
	logger *slog.Logger,
) *LifecycleService {
	return &LifecycleService{
		cfg:     cfg,
		dirs:    dirs,
		docs:    docs,
		logger:  logger.With(slog.String("component", "lifecycle")),
		pending: make(map[string]*pendingDeletion),
	}
}

// ScheduleDeletion записывает дедлайн удаления в документ группы и
// взводит таймеры boot-out и purge. Разрешено только владельцу.
// Повторный вызов переназначает дедлайн и перевзводит таймеры.
func (s *LifecycleService) ScheduleDeletion(ctx context.Context, groupID, requestingUID string) (time.Time, *LifecycleError) {
	doc, lcErr := s.authorize(ctx, groupID, requestingUID, "запланировать удаление")
	if lcErr != nil {
		return time.Time{}, lcErr
	}

	now := time.Now().UTC()
	state := lifecycle.Derive(doc.DeletionDeadline, len(doc.Members), now)
	if !lifecycle.CanTransition(state, lifecycle.StateDeletionScheduled) &&
		state != lifecycle.StateDeletionScheduled {
		return time.Time{}, &LifecycleError{
			StatusCode: 409,
			Code:       apierrors.CodeValidationError,
			Message:    fmt.Sprintf("Удаление группы уже выполняется (состояние %s)", state),
		}
	}

	deadline := now.Add(s.cfg.GracePeriod)
	err := s.docs.UpdateFields(ctx, groupID, map[string]any{
		groupdoc.FieldDeletionDeadline: deadline,
	})
	if err != nil {
		s.logger.Error("Ошибка записи дедлайна удаления",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return time.Time{}, internalLifecycleError()
	}

	s.armTimers(groupID, deadline)
	groupsScheduledTotal.Inc()

	s.logger.Info("Удаление группы запланировано",
		slog.String("group_id", groupID),
		slog.String("requested_by", requestingUID),
		slog.Time("deadline", deadline),
	)

	return deadline, nil
}

// UndoDeletion отменяет запланированное удаление: останавливает
// таймеры и очищает дедлайн в документе. Разрешено только владельцу.
// Идемпотентна: отмена без запланированного удаления — успех.
func (s *LifecycleService) UndoDeletion(ctx context.Context, groupID, requestingUID string) *LifecycleError {
	_, lcErr := s.authorize(ctx, groupID, requestingUID, "отменить удаление")
	if lcErr != nil {
		return lcErr
	}

	s.cancelTimers(groupID)

	err := s.docs.UpdateFields(ctx, groupID, map[string]any{
		groupdoc.FieldDeletionDeadline: nil,
	})
	if err != nil {
		s.logger.Error("Ошибка очистки дедлайна удаления",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return internalLifecycleError()
	}

	groupsUndoneTotal.Inc()
	s.logger.Info("Удаление группы отменено",
		slog.String("group_id", groupID),
		slog.String("requested_by", requestingUID),
	)

	return nil
}

// authorize загружает документ группы и проверяет владельца.
func (s *LifecycleService) authorize(ctx context.Context, groupID, requestingUID, action string) (*groupdoc.GroupDoc, *LifecycleError) {
	doc, err := s.docs.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, groupdoc.ErrNotFound) {
			return nil, &LifecycleError{
				StatusCode: 404,
				Code:       apierrors.CodeNotFound,
				Message:    "Группа не найдена",
			}
		}
		s.logger.Error("Ошибка чтения документа группы",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return nil, internalLifecycleError()
	}

	if doc.OwnerUID != requestingUID {
		return nil, &LifecycleError{
			StatusCode: 403,
			Code:       apierrors.CodeForbidden,
			Message:    fmt.Sprintf("Только владелец группы может %s", action),
		}
	}

	return doc, nil
}

func internalLifecycleError() *LifecycleError {
	return &LifecycleError{
		StatusCode: 500,
		Code:       apierrors.CodeInternalError,
		Message:    "Внутренняя ошибка хранилища документов",
	}
}

// armTimers взводит таймеры boot-out и purge для группы,
// заменяя ранее взведённые.
func (s *LifecycleService) armTimers(groupID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[groupID]; ok {
		prev.bootTimer.Stop()
		prev.purgeTimer.Stop()
	}

	untilBoot := time.Until(deadline)
	s.pending[groupID] = &pendingDeletion{
		deadline: deadline,
		bootTimer: time.AfterFunc(untilBoot, func() {
			s.bootOut(groupID)
		}),
		purgeTimer: time.AfterFunc(untilBoot+s.cfg.PurgeDelay, func() {
			s.timedPurge(groupID)
		}),
	}
}

// cancelTimers останавливает и забывает таймеры группы.
func (s *LifecycleService) cancelTimers(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[groupID]; ok {
		p.bootTimer.Stop()
		p.purgeTimer.Stop()
		delete(s.pending, groupID)
	}
}

// PendingDeadline возвращает дедлайн взведённого таймера группы.
// Используется в тестах и диагностике.
func (s *LifecycleService) PendingDeadline(groupID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[groupID]
	if !ok {
		return time.Time{}, false
	}
	return p.deadline, true
}

// Shutdown останавливает все взведённые таймеры. Незавершённые
// удаления довершит sweeper после рестарта.
func (s *LifecycleService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for groupID, p := range s.pending {
		p.bootTimer.Stop()
		p.purgeTimer.Stop()
		delete(s.pending, groupID)
	}
}

// bootOut исключает участников группы по истечении grace period.
// Перед действием перепроверяет, что удаление всё ещё запланировано.
func (s *LifecycleService) bootOut(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doc, err := s.docs.Get(ctx, groupID)
	if err != nil {
		if !errors.Is(err, groupdoc.ErrNotFound) {
			s.logger.Error("Boot-out: ошибка чтения документа группы",
				slog.String("group_id", groupID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if doc.DeletionDeadline == nil {
		// Удаление отменили после взведения таймера
		return
	}

	err = s.docs.UpdateFields(ctx, groupID, map[string]any{
		groupdoc.FieldMembers: []string{},
	})
	if err != nil {
		s.logger.Error("Boot-out: ошибка исключения участников",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
		return
	}

	groupsBootedTotal.Inc()
	s.logger.Info("Участники группы исключены",
		slog.String("group_id", groupID),
	)
}

// timedPurge — срабатывание purge-таймера. Перепроверяет дедлайн
// и выполняет полное удаление группы.
func (s *LifecycleService) timedPurge(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	doc, err := s.docs.Get(ctx, groupID)
	if err != nil {
		if !errors.Is(err, groupdoc.ErrNotFound) {
			s.logger.Error("Purge: ошибка чтения документа группы",
				slog.String("group_id", groupID),
				slog.String("error", err.Error()),
			)
		}
		s.cancelTimers(groupID)
		return
	}
	if doc.DeletionDeadline == nil {
		s.cancelTimers(groupID)
		return
	}

	if err := s.PurgeGroup(ctx, groupID); err != nil {
		s.logger.Error("Purge: ошибка полного удаления группы",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
	}
}

// PurgeGroup выполняет полное удаление группы: директорию с файлами,
// документы подколлекций (батчами) и сам документ группы.
// Ошибка файловой фазы не прерывает удаление документов: повтор
// довершит sweeper. Вызывается таймером и sweeper-ом.
func (s *LifecycleService) PurgeGroup(ctx context.Context, groupID string) error {
	s.logger.Info("Полное удаление группы начато", slog.String("group_id", groupID))

	// 1. Директория группы на диске
	if failed, err := s.dirs.RemoveFilesThenDir(groupID); err != nil {
		s.logger.Warn("Purge: директория группы удалена не полностью",
			slog.String("group_id", groupID),
			slog.Int("failed", failed),
			slog.String("error", err.Error()),
		)
	}

	// 2. Подколлекции документа — батчами до опустошения
	collections, err := s.docs.ListSubcollections(ctx, groupID)
	if err != nil {
		return fmt.Errorf("ошибка перечисления подколлекций: %w", err)
	}
	for _, col := range collections {
		for {
			n, err := s.docs.DeleteSubcollectionBatch(ctx, groupID, col, purgeBatchSize)
			if err != nil {
				return fmt.Errorf("ошибка удаления подколлекции %s: %w", col, err)
			}
			if n == 0 {
				break
			}
			s.logger.Debug("Purge: удалён батч документов подколлекции",
				slog.String("group_id", groupID),
				slog.String("collection", col),
				slog.Int("deleted", n),
			)
		}
	}

	// 3. Сам документ группы
	if err := s.docs.Delete(ctx, groupID); err != nil {
		return fmt.Errorf("ошибка удаления документа группы: %w", err)
	}

	s.cancelTimers(groupID)
	groupsPurgedTotal.Inc()

	s.logger.Info("Группа полностью удалена", slog.String("group_id", groupID))
	return nil
}
