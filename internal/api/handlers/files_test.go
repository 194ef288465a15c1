package handlers

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cachebox/file-relay/internal/api/middleware"
	"github.com/cachebox/file-relay/internal/config"
	"github.com/cachebox/file-relay/internal/domain/model"
	"github.com/cachebox/file-relay/internal/service"
	"github.com/cachebox/file-relay/internal/storage/groupdir"
	"github.com/cachebox/file-relay/internal/storage/metastore"
	"github.com/cachebox/file-relay/internal/storage/wal"
)

// testKeyID — идентификатор ключа тестового JWKS.
const testKeyID = "test-key"

// filesFixture — собранный стек файловых endpoints для тестов.
type filesFixture struct {
	router *chi.Mux
	dirs   *groupdir.Adapter
	meta   *metastore.Store
	key    *rsa.PrivateKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAuth создаёт JWT middleware с локальным RSA ключом.
func newTestAuth(t *testing.T, key *rsa.PrivateKey) *middleware.JWTAuth {
	t.Helper()

	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": testKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			},
		},
	}
	jwksJSON, _ := json.Marshal(jwks)

	kf, err := keyfunc.NewJWKSetJSON(jwksJSON)
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return middleware.NewJWTAuthWithKeyfunc(kf, testLogger())
}

// signToken выпускает валидный токен пользователя.
func signToken(t *testing.T, key *rsa.PrivateKey, sub, name string) string {
	t.Helper()

	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name: name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newFilesFixture(t *testing.T) *filesFixture {
	t.Helper()

	cfg := &config.Config{
		Port:        3000,
		UploadDir:   t.TempDir(),
		WALDir:      t.TempDir(),
		PublicURL:   "http://localhost:3000",
		GracePeriod: time.Minute,
		PurgeDelay:  5 * time.Second,
		MaxFileSize: 1 << 20,
	}
	logger := testLogger()

	dirs, err := groupdir.New(cfg.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	meta := metastore.New(dirs, logger)
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		t.Fatal(err)
	}

	uploadSvc := service.NewUploadService(cfg, walEngine, dirs, meta, logger)
	reconcileSvc := service.NewReconcileService(cfg, dirs, meta, logger)
	h := NewFilesHandler(uploadSvc, reconcileSvc, dirs, meta)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	auth := newTestAuth(t, key)

	router := chi.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware())
		r.Post("/upload/{groupId}", h.Upload)
	})
	router.Get("/list/{groupId}", h.List)
	router.Delete("/delete/{groupId}/{fileId}", h.Delete)
	router.Get("/files/{groupId}/{fileName}", h.ServeFile)

	return &filesFixture{router: router, dirs: dirs, meta: meta, key: key}
}

// multipartBody собирает multipart тело с одним файлом.
func multipartBody(t *testing.T, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf, mw.FormDataContentType()
}

// TestUploadEndpoint проверяет загрузку через HTTP с аутентификацией.
func TestUploadEndpoint(t *testing.T) {
	fx := newFilesFixture(t)

	body, contentType := multipartBody(t, "song.mp3", "данные")
	req := httptest.NewRequest(http.MethodPost, "/upload/g1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+signToken(t, fx.key, "uid-1", "Автор"))
	rec := httptest.NewRecorder()

	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}

	var record model.FileRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if record.FileName != "song.mp3" {
		t.Errorf("неожиданное имя файла: %s", record.FileName)
	}
	if record.UploadedByUid != "uid-1" || record.UploadedByName != "Автор" {
		t.Errorf("неожиданный загрузивший: %+v", record)
	}
	if !fx.dirs.Exists("g1", "song.mp3") {
		t.Error("файл должен существовать на диске")
	}
}

// TestUploadEndpoint_Unauthorized проверяет 401 без токена.
func TestUploadEndpoint_Unauthorized(t *testing.T) {
	fx := newFilesFixture(t)

	body, contentType := multipartBody(t, "song.mp3", "данные")
	req := httptest.NewRequest(http.MethodPost, "/upload/g1", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("ожидался статус 401, получен %d", rec.Code)
	}
	if fx.dirs.Exists("g1", "song.mp3") {
		t.Error("файл не должен быть сохранён без аутентификации")
	}
}

// TestUploadEndpoint_MissingFile проверяет 400 без поля file.
func TestUploadEndpoint_MissingFile(t *testing.T) {
	fx := newFilesFixture(t)

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	_ = mw.WriteField("other", "value")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload/g1", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+signToken(t, fx.key, "uid-1", "U"))
	rec := httptest.NewRecorder()

	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
}

// TestListEndpoint_Empty проверяет пустой JSON-массив для новой группы.
func TestListEndpoint_Empty(t *testing.T) {
	fx := newFilesFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/list/g1", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("ожидался пустой массив, получено %q", got)
	}
}

// TestListEndpoint_Sync проверяет сверку при sync=true:
// файл вне API получает SYSTEM-запись.
func TestListEndpoint_Sync(t *testing.T) {
	fx := newFilesFixture(t)

	if _, err := fx.dirs.SaveFile("g1", "outofband.mp3", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	// Без sync файл не виден
	req := httptest.NewRequest(http.MethodGet, "/list/g1", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	var records []model.FileRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("без sync записей быть не должно: %+v", records)
	}

	// Со sync появляется SYSTEM-запись
	req = httptest.NewRequest(http.MethodGet, "/list/g1?sync=true", nil)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("ожидалась 1 запись, получено %d", len(records))
	}
	if records[0].UploadedByUid != model.SystemUID {
		t.Errorf("запись должна быть от SYSTEM: %+v", records[0])
	}
}

// TestDeleteEndpoint проверяет удаление файла по id записи.
func TestDeleteEndpoint(t *testing.T) {
	fx := newFilesFixture(t)

	// Загружаем файл
	body, contentType := multipartBody(t, "doomed.mp3", "x")
	req := httptest.NewRequest(http.MethodPost, "/upload/g1", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+signToken(t, fx.key, "uid-1", "U"))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	var record model.FileRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}

	// Удаляем по id
	req = httptest.NewRequest(http.MethodDelete, "/delete/g1/"+record.ID, nil)
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["success"] != true || resp["id"] != record.ID {
		t.Errorf("неожиданный ответ: %v", resp)
	}
	if fx.dirs.Exists("g1", "doomed.mp3") {
		t.Error("файл должен быть удалён с диска")
	}
}

// TestDeleteEndpoint_NotFound проверяет 404 для неизвестного id.
func TestDeleteEndpoint_NotFound(t *testing.T) {
	fx := newFilesFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/delete/g1/no-such-id", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404, получен %d", rec.Code)
	}
}

// TestServeFileEndpoint проверяет отдачу файла и Content-Type.
func TestServeFileEndpoint(t *testing.T) {
	fx := newFilesFixture(t)

	if _, err := fx.dirs.SaveFile("g1", "song.mp3", strings.NewReader("аудио")); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/files/g1/song.mp3", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("ожидался Content-Type audio/mpeg, получен %s", ct)
	}
	if rec.Body.String() != "аудио" {
		t.Errorf("содержимое не совпадает: %q", rec.Body.String())
	}
}

// TestServeFileEndpoint_NotFound проверяет 404 для отсутствующего файла.
func TestServeFileEndpoint_NotFound(t *testing.T) {
	fx := newFilesFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/files/g1/missing.mp3", nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404, получен %d", rec.Code)
	}
}

// TestContentTypeFor проверяет таблицу переопределений Content-Type.
func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		fileName string
		expected string
	}{
		{"song.mp3", "audio/mpeg"},
		{"SONG.MP3", "audio/mpeg"},
		{"voice.wav", "audio/wav"},
		{"clip.mp4", "video/mp4"},
		{"noext", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := contentTypeFor(tt.fileName); got != tt.expected {
			t.Errorf("%s: ожидался %s, получен %s", tt.fileName, tt.expected, got)
		}
	}
}
