package metastore

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
)

func newTestStore(t *testing.T) (*Store, *groupdir.Adapter) {
	t.Helper()
	dirs, err := groupdir.New(t.TempDir())
	if err != nil {
		t.Fatalf("не удалось создать Adapter: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(dirs, logger), dirs
}

func testRecord(id, fileName string) model.FileRecord {
	return model.FileRecord{
		ID:             id,
		FileName:       fileName,
		FileURL:        "http://localhost:3000/files/g1/" + fileName,
		UploadedByUid:  "uid-1",
		UploadedByName: "User",
		StoragePath:    "g1/" + fileName,
		UploadedAt:     time.Now().UTC(),
	}
}

// TestLoad_CreatesEmptyDocument проверяет создание пустого документа
// при первом обращении к группе.
func TestLoad_CreatesEmptyDocument(t *testing.T) {
	s, _ := newTestStore(t)

	records, err := s.Load("g1")
	if err != nil {
		t.Fatalf("ошибка Load: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ожидался пустой список, получено %d записей", len(records))
	}

	path, _ := s.Path("g1")
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("metadata.json должен быть создан: %v", statErr)
	}
}

// TestSaveLoad_RoundTrip проверяет сохранение и чтение записей.
func TestSaveLoad_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	want := []model.FileRecord{testRecord("id-1", "a.mp3"), testRecord("id-2", "b.wav")}
	if err := s.Save("g1", want); err != nil {
		t.Fatalf("ошибка Save: %v", err)
	}

	got, err := s.Load("g1")
	if err != nil {
		t.Fatalf("ошибка Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(got))
	}
	if got[0].ID != "id-1" || got[1].FileName != "b.wav" {
		t.Errorf("записи не совпадают: %+v", got)
	}
}

// TestLoad_CorruptDocument проверяет lenient read: повреждённый
// документ трактуется как пустой список, а не ошибка.
func TestLoad_CorruptDocument(t *testing.T) {
	s, _ := newTestStore(t)

	path, err := s.Path("g1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("g1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{не json"), 0o640); err != nil {
		t.Fatal(err)
	}

	records, err := s.Load("g1")
	if err != nil {
		t.Fatalf("повреждённый документ не должен быть ошибкой: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ожидался пустой список, получено %d записей", len(records))
	}
}

// TestUpdate_WritesOnlyWhenChanged проверяет, что документ
// не перезаписывается при changed=false.
func TestUpdate_WritesOnlyWhenChanged(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save("g1", []model.FileRecord{testRecord("id-1", "a.mp3")}); err != nil {
		t.Fatal(err)
	}
	path, _ := s.Path("g1")
	before, _ := os.Stat(path)

	records, changed, err := s.Update("g1", func(records []model.FileRecord) ([]model.FileRecord, bool) {
		return records, false
	})
	if err != nil {
		t.Fatalf("ошибка Update: %v", err)
	}
	if changed {
		t.Error("ожидался changed=false")
	}
	if len(records) != 1 {
		t.Errorf("ожидалась 1 запись, получено %d", len(records))
	}

	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("документ не должен был перезаписываться")
	}
}

// TestUpdate_ConcurrentAppends проверяет сериализацию параллельных
// обновлений одной группы: ни одно добавление не теряется.
func TestUpdate_ConcurrentAppends(t *testing.T) {
	s, _ := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)

	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			rec := testRecord("", "f.txt")
			rec.ID = string(rune('a' + n))
			rec.FileName = rec.ID + ".txt"
			_, _, err := s.Update("g1", func(records []model.FileRecord) ([]model.FileRecord, bool) {
				return append(records, rec), true
			})
			if err != nil {
				t.Errorf("ошибка Update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	records, err := s.Load("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != writers {
		t.Errorf("ожидалось %d записей, получено %d: потеряны обновления", writers, len(records))
	}
}

// TestUpdate_IndependentGroups проверяет, что замки групп независимы.
func TestUpdate_IndependentGroups(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for _, g := range []string{"g1", "g2", "g3"} {
		wg.Add(1)
		go func(groupID string) {
			defer wg.Done()
			_, _, err := s.Update(groupID, func(records []model.FileRecord) ([]model.FileRecord, bool) {
				return append(records, testRecord("id-"+groupID, groupID+".txt")), true
			})
			if err != nil {
				t.Errorf("ошибка Update группы %s: %v", groupID, err)
			}
		}(g)
	}
	wg.Wait()

	for _, g := range []string{"g1", "g2", "g3"} {
		records, err := s.Load(g)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 {
			t.Errorf("группа %s: ожидалась 1 запись, получено %d", g, len(records))
		}
	}
}
