package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/groupdoc"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
)

func newLifecycleFixture(t *testing.T, cfg *config.Config) (*LifecycleService, *groupdoc.SQLStore, *groupdir.Adapter) {
	t.Helper()
	logger := testLogger()

	dirs, err := groupdir.New(cfg.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := groupdoc.Open(filepath.Join(t.TempDir(), "groups.db"), logger)
	if err != nil {
		t.Fatal(err)
	}

	svc := NewLifecycleService(cfg, dirs, docs, logger)
	t.Cleanup(svc.Shutdown)
	return svc, docs, dirs
}

func createGroup(t *testing.T, docs *groupdoc.SQLStore, groupID, owner string, members []string) {
	t.Helper()
	err := docs.Create(context.Background(), &groupdoc.GroupDoc{
		ID:       groupID,
		OwnerUID: owner,
		Members:  members,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// waitFor опрашивает условие до таймаута. Таймерные переходы
// асинхронны, фиксированные sleep-ы делают тест хрупким.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestScheduleDeletion_Success проверяет запись дедлайна и взведение таймеров.
func TestScheduleDeletion_Success(t *testing.T) {
	cfg := newTestConfig(t)
	svc, docs, _ := newLifecycleFixture(t, cfg)
	createGroup(t, docs, "g1", "owner-1", []string{"owner-1", "m1"})

	before := time.Now().UTC()
	deadline, lcErr := svc.ScheduleDeletion(context.Background(), "g1", "owner-1")
	if lcErr != nil {
		t.Fatalf("ошибка планирования: %v", lcErr)
	}

	expectedMin := before.Add(cfg.GracePeriod)
	if deadline.Before(expectedMin.Add(-time.Second)) || deadline.After(expectedMin.Add(5*time.Second)) {
		t.Errorf("дедлайн %v вне ожидаемого окна от %v", deadline, expectedMin)
	}

	doc, err := docs.Get(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.DeletionDeadline == nil {
		t.Fatal("дедлайн должен быть записан в документ")
	}

	if _, armed := svc.PendingDeadline("g1"); !armed {
		t.Error("таймеры должны быть взведены")
	}
}

// TestScheduleDeletion_NotFound проверяет 404 для несуществующей группы.
func TestScheduleDeletion_NotFound(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t, newTestConfig(t))

	_, lcErr := svc.ScheduleDeletion(context.Background(), "no-such", "owner-1")
	if lcErr == nil || lcErr.StatusCode != 404 {
		t.Errorf("ожидался статус 404, получен %+v", lcErr)
	}
}

// TestScheduleDeletion_Forbidden проверяет 403 для не-владельца.
func TestScheduleDeletion_Forbidden(t *testing.T) {
	svc, docs, _ := newLifecycleFixture(t, newTestConfig(t))
	createGroup(t, docs, "g1", "owner-1", nil)

	_, lcErr := svc.ScheduleDeletion(context.Background(), "g1", "intruder")
	if lcErr == nil || lcErr.StatusCode != 403 {
		t.Errorf("ожидался статус 403, получен %+v", lcErr)
	}

	doc, _ := docs.Get(context.Background(), "g1")
	if doc.DeletionDeadline != nil {
		t.Error("дедлайн не должен быть записан")
	}
}

// TestScheduleDeletion_AfterBootOut проверяет отказ в повторном
// планировании для группы с уже выполненным boot-out: путь
// восстановления — отмена, затем новое планирование.
func TestScheduleDeletion_AfterBootOut(t *testing.T) {
	svc, docs, _ := newLifecycleFixture(t, newTestConfig(t))
	ctx := context.Background()

	// Дедлайн истёк, участники исключены: boot-out уже выполнен
	past := time.Now().UTC().Add(-time.Minute)
	err := docs.Create(ctx, &groupdoc.GroupDoc{
		ID:               "g1",
		OwnerUID:         "owner-1",
		Members:          []string{},
		DeletionDeadline: &past,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, lcErr := svc.ScheduleDeletion(ctx, "g1", "owner-1"); lcErr == nil || lcErr.StatusCode != 409 {
		t.Errorf("ожидался статус 409, получен %+v", lcErr)
	}

	// Отмена очищает дедлайн, после неё планирование снова доступно
	if lcErr := svc.UndoDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatalf("ошибка отмены: %v", lcErr)
	}
	if _, lcErr := svc.ScheduleDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Errorf("после отмены планирование должно быть доступно: %+v", lcErr)
	}
}

// TestUndoDeletion проверяет отмену: дедлайн очищен, таймеры сняты.
func TestUndoDeletion(t *testing.T) {
	svc, docs, _ := newLifecycleFixture(t, newTestConfig(t))
	createGroup(t, docs, "g1", "owner-1", []string{"owner-1"})
	ctx := context.Background()

	if _, lcErr := svc.ScheduleDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatal(lcErr)
	}
	if lcErr := svc.UndoDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatalf("ошибка отмены: %v", lcErr)
	}

	doc, err := docs.Get(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.DeletionDeadline != nil {
		t.Errorf("дедлайн должен быть очищен: %v", doc.DeletionDeadline)
	}
	if _, armed := svc.PendingDeadline("g1"); armed {
		t.Error("таймеры должны быть сняты")
	}
}

// TestUndoDeletion_Forbidden проверяет 403 для не-владельца.
func TestUndoDeletion_Forbidden(t *testing.T) {
	svc, docs, _ := newLifecycleFixture(t, newTestConfig(t))
	createGroup(t, docs, "g1", "owner-1", nil)

	if lcErr := svc.UndoDeletion(context.Background(), "g1", "intruder"); lcErr == nil || lcErr.StatusCode != 403 {
		t.Errorf("ожидался статус 403, получен %+v", lcErr)
	}
}

// TestTimedBootOutAndPurge проверяет полный таймерный сценарий
// с коротким grace period: boot-out, затем purge.
func TestTimedBootOutAndPurge(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.PurgeDelay = 50 * time.Millisecond

	svc, docs, dirs := newLifecycleFixture(t, cfg)
	createGroup(t, docs, "g1", "owner-1", []string{"owner-1", "m1"})
	ctx := context.Background()

	if _, err := dirs.SaveFile("g1", "song.mp3", strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}
	if err := docs.CreateSubDoc(ctx, &groupdoc.SubDoc{GroupID: "g1", Collection: "messages", DocID: "m1"}); err != nil {
		t.Fatal(err)
	}

	if _, lcErr := svc.ScheduleDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatal(lcErr)
	}

	// Boot-out: участники исключаются по дедлайну
	booted := waitFor(t, 2*time.Second, func() bool {
		doc, err := docs.Get(ctx, "g1")
		if err != nil {
			// Документ уже может быть удалён purge-ом — тоже успех boot-out
			return errors.Is(err, groupdoc.ErrNotFound)
		}
		return len(doc.Members) == 0
	})
	if !booted {
		t.Fatal("участники не были исключены по дедлайну")
	}

	// Purge: документ и директория исчезают
	purged := waitFor(t, 2*time.Second, func() bool {
		_, err := docs.Get(ctx, "g1")
		return errors.Is(err, groupdoc.ErrNotFound)
	})
	if !purged {
		t.Fatal("документ группы не был удалён")
	}
	if dirs.Exists("g1", "song.mp3") {
		t.Error("файлы группы должны быть удалены")
	}
	if _, armed := svc.PendingDeadline("g1"); armed {
		t.Error("таймеры должны быть сняты после purge")
	}
}

// TestUndoCancelsTimers проверяет, что отмена предотвращает
// и boot-out, и purge.
func TestUndoCancelsTimers(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.GracePeriod = 80 * time.Millisecond
	cfg.PurgeDelay = 40 * time.Millisecond

	svc, docs, _ := newLifecycleFixture(t, cfg)
	createGroup(t, docs, "g1", "owner-1", []string{"owner-1", "m1"})
	ctx := context.Background()

	if _, lcErr := svc.ScheduleDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatal(lcErr)
	}
	if lcErr := svc.UndoDeletion(ctx, "g1", "owner-1"); lcErr != nil {
		t.Fatal(lcErr)
	}

	// Ждём дольше, чем grace + purge delay: ничего не должно произойти
	time.Sleep(300 * time.Millisecond)

	doc, err := docs.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("группа не должна быть удалена: %v", err)
	}
	if len(doc.Members) != 2 {
		t.Errorf("участники не должны быть исключены: %v", doc.Members)
	}
	if doc.DeletionDeadline != nil {
		t.Errorf("дедлайн должен быть очищен: %v", doc.DeletionDeadline)
	}
}

// TestPurgeGroup проверяет прямой purge: директория, подколлекции, документ.
func TestPurgeGroup(t *testing.T) {
	svc, docs, dirs := newLifecycleFixture(t, newTestConfig(t))
	createGroup(t, docs, "g1", "owner-1", nil)
	ctx := context.Background()

	if _, err := dirs.SaveFile("g1", "a.mp3", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 150; i++ {
		if err := docs.CreateSubDoc(ctx, &groupdoc.SubDoc{GroupID: "g1", Collection: "messages", DocID: "m"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := svc.PurgeGroup(ctx, "g1"); err != nil {
		t.Fatalf("ошибка purge: %v", err)
	}

	if _, err := docs.Get(ctx, "g1"); !errors.Is(err, groupdoc.ErrNotFound) {
		t.Error("документ группы должен быть удалён")
	}
	cols, err := docs.ListSubcollections(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 0 {
		t.Errorf("подколлекции должны быть пусты: %v", cols)
	}
	if dirs.Exists("g1", "a.mp3") {
		t.Error("файлы группы должны быть удалены")
	}
}
