// sweeper.go — фоновая зачистка просроченных групп.
//
// Sweeper — страховка поверх таймеров жизненного цикла: раз в
// FR_SWEEP_INTERVAL он запрашивает у хранилища документов группы с
// наступившим дедлайном и выполняет их полное удаление. Так система
// сходится к удалению даже после рестарта, когда in-memory таймеры
// потеряны, или после сбоя таймерного purge.
//
// Запускается как горутина с периодическим тикером.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cachebox/file-relay/internal/groupdoc"
)

// Prometheus метрики sweeper
var (
	// sweepRunsTotal — количество запусков sweep.
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_sweep_runs_total",
		Help: "Общее количество запусков sweep",
	})

	// sweepPurgedTotal — количество групп, удалённых sweep-ом.
	sweepPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fr_sweep_groups_purged_total",
		Help: "Общее количество групп, удалённых sweep-ом",
	})

	// sweepDurationSeconds — длительность выполнения sweep.
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fr_sweep_duration_seconds",
		Help:    "Длительность выполнения sweep в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска sweep.
type SweepResult struct {
	// PurgedCount — количество полностью удалённых групп
	PurgedCount int
	// Errors — количество ошибок при удалении
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Sweeper — сервис фоновой зачистки просроченных групп.
type Sweeper struct {
	docs      groupdoc.Store
	lifecycle *LifecycleService
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска RunOnce
	running bool       // флаг работы фонового процесса
	cancel  context.CancelFunc
}

// NewSweeper создаёт sweeper.
func NewSweeper(
	docs groupdoc.Store,
	lc *LifecycleService,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		docs:      docs,
		lifecycle: lc,
		interval:  interval,
		logger:    logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину sweep с периодическим тикером.
// Вызывается один раз при старте приложения.
func (sw *Sweeper) Start(ctx context.Context) {
	swCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.running = true

	go sw.run(swCtx)

	sw.logger.Info("Sweeper запущен",
		slog.String("interval", sw.interval.String()),
	)
}

// Stop останавливает фоновый процесс sweep.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.running = false
	sw.logger.Info("Sweeper остановлен")
}

// run — основной цикл фоновой горутины.
func (sw *Sweeper) run(ctx context.Context) {
	// Первый запуск — сразу после старта: подбираем группы,
	// просроченные за время простоя сервера
	sw.RunOnce(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл sweep.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (sw *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	expired, err := sw.docs.QueryExpired(ctx, time.Now().UTC())
	if err != nil {
		sw.logger.Error("Sweep: ошибка выборки просроченных групп",
			slog.String("error", err.Error()),
		)
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	for _, groupID := range expired {
		if err := sw.lifecycle.PurgeGroup(ctx, groupID); err != nil {
			result.Errors++
			sw.logger.Error("Sweep: ошибка удаления просроченной группы",
				slog.String("group_id", groupID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.PurgedCount++
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepPurgedTotal.Add(float64(result.PurgedCount))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	if result.PurgedCount > 0 || result.Errors > 0 {
		sw.logger.Info("Sweep завершён",
			slog.Int("purged", result.PurgedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
