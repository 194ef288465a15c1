package wal

import (
	"log/slog"
	"os"
	"testing"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w, err := New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("не удалось создать WAL: %v", err)
	}
	return w
}

// TestStartCommit проверяет жизненный цикл успешной транзакции.
func TestStartCommit(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpUpload, "g1", "song.mp3")
	if err != nil {
		t.Fatalf("ошибка StartTransaction: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("ожидался статус pending, получен %s", entry.Status)
	}
	if entry.GroupID != "g1" || entry.FileName != "song.mp3" {
		t.Errorf("неожиданное содержимое записи: %+v", entry)
	}

	if err := w.Commit(entry.TransactionID); err != nil {
		t.Fatalf("ошибка Commit: %v", err)
	}

	got, err := w.GetTransaction(entry.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCommitted {
		t.Errorf("ожидался статус committed, получен %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt должен быть установлен")
	}
}

// TestRollback проверяет откат транзакции.
func TestRollback(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpDelete, "g1", "song.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Rollback(entry.TransactionID); err != nil {
		t.Fatalf("ошибка Rollback: %v", err)
	}

	got, _ := w.GetTransaction(entry.TransactionID)
	if got.Status != StatusRolledBack {
		t.Errorf("ожидался статус rolled_back, получен %s", got.Status)
	}
}

// TestFinish_NotPending проверяет запрет повторного завершения.
func TestFinish_NotPending(t *testing.T) {
	w := newTestWAL(t)

	entry, _ := w.StartTransaction(OpUpload, "g1", "f.txt")
	if err := w.Commit(entry.TransactionID); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(entry.TransactionID); err == nil {
		t.Error("повторный Commit должен вернуть ошибку")
	}
	if err := w.Rollback(entry.TransactionID); err == nil {
		t.Error("Rollback завершённой транзакции должен вернуть ошибку")
	}
}

// TestRecoverPending проверяет обнаружение незавершённых транзакций.
func TestRecoverPending(t *testing.T) {
	w := newTestWAL(t)

	p1, _ := w.StartTransaction(OpUpload, "g1", "a.mp3")
	p2, _ := w.StartTransaction(OpUpload, "g2", "b.wav")
	done, _ := w.StartTransaction(OpUpload, "g1", "c.mp4")
	if err := w.Commit(done.TransactionID); err != nil {
		t.Fatal(err)
	}

	pending, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("ошибка RecoverPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ожидалось 2 pending транзакции, получено %d", len(pending))
	}

	found := map[string]bool{}
	for _, e := range pending {
		found[e.TransactionID] = true
	}
	if !found[p1.TransactionID] || !found[p2.TransactionID] {
		t.Errorf("не найдены ожидаемые транзакции: %v", found)
	}
}

// TestCleanCompleted проверяет очистку завершённых записей.
func TestCleanCompleted(t *testing.T) {
	w := newTestWAL(t)

	committed, _ := w.StartTransaction(OpUpload, "g1", "a.mp3")
	_ = w.Commit(committed.TransactionID)
	rolled, _ := w.StartTransaction(OpUpload, "g1", "b.wav")
	_ = w.Rollback(rolled.TransactionID)
	pending, _ := w.StartTransaction(OpUpload, "g1", "c.mp4")

	cleaned, err := w.CleanCompleted()
	if err != nil {
		t.Fatalf("ошибка CleanCompleted: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("ожидалась очистка 2 записей, получено %d", cleaned)
	}

	// Pending запись должна остаться
	if _, err := w.GetTransaction(pending.TransactionID); err != nil {
		t.Errorf("pending запись не должна удаляться: %v", err)
	}
	if _, err := w.GetTransaction(committed.TransactionID); err == nil {
		t.Error("committed запись должна быть удалена")
	}
}
