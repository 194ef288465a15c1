// client.go — HTTP-клиент синхронизации relay-sync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// metadataFileName — служебный файл группы, не подлежит загрузке.
const metadataFileName = "metadata.json"

// syncClient — клиент сервера File Relay.
type syncClient struct {
	base  string
	token string
	http  *http.Client
}

// SyncResult — итог синхронизации одной группы.
type SyncResult struct {
	// Uploaded — количество загруженных файлов
	Uploaded int
	// Skipped — количество файлов, уже существующих на сервере
	Skipped int
}

// listEntry — запись ответа GET /list/{groupId}. Клиенту нужно
// только имя файла.
type listEntry struct {
	FileName string `json:"fileName"`
}

func newClient(base, token string) *syncClient {
	return &syncClient{
		base:  base,
		token: token,
		http: &http.Client{
			Timeout: 5 * time.Minute, // загрузки могут быть большими
		},
	}
}

// SyncGroup загружает файлы из localDir, отсутствующие на сервере.
// Сравнение по fileName из серверного списка.
func (c *syncClient) SyncGroup(ctx context.Context, groupID, localDir string) (*SyncResult, error) {
	existing, err := c.listFiles(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов группы %s: %w", groupID, err)
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения локальной директории %s: %w", localDir, err)
	}

	result := &SyncResult{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == metadataFileName {
			continue
		}
		if existing[entry.Name()] {
			result.Skipped++
			continue
		}
		if err := c.uploadFile(ctx, groupID, filepath.Join(localDir, entry.Name())); err != nil {
			return result, fmt.Errorf("ошибка загрузки %s: %w", entry.Name(), err)
		}
		result.Uploaded++
	}

	return result, nil
}

// listFiles возвращает множество имён файлов группы на сервере.
func (c *syncClient) listFiles(ctx context.Context, groupID string) (map[string]bool, error) {
	u := c.base + "/list/" + url.PathEscape(groupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("сервер вернул статус %d", resp.StatusCode)
	}

	var records []listEntry
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("некорректный ответ сервера: %w", err)
	}

	names := make(map[string]bool, len(records))
	for _, r := range records {
		names[r.FileName] = true
	}
	return names, nil
}

// uploadFile отправляет один файл через POST /upload/{groupId}.
// Тело формируется потоково через io.Pipe, файл не буферизуется в памяти.
func (c *syncClient) uploadFile(ctx context.Context, groupID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	u := c.base + "/upload/" + url.PathEscape(groupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("сервер вернул статус %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
