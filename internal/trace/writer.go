package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalWriter stores one JSON file per task under a directory.
type LocalWriter struct {
	dir string
}

// NewLocalWriter creates the trace directory if needed.
func NewLocalWriter(dir string) (*LocalWriter, error) {
	if dir == "" {
		dir = "traces"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &LocalWriter{dir: dir}, nil
}

// Write replaces the task's trace file atomically.
func (w *LocalWriter) Write(_ context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(w.dir, doc.TaskID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ObjectStoreWriter PUTs trace documents to an HTTP object store.
type ObjectStoreWriter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewObjectStoreWriter targets baseURL/<task_id>.json.
func NewObjectStoreWriter(baseURL string, client *http.Client, logger *slog.Logger) (*ObjectStoreWriter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("object store trace mode requires a location URL")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStoreWriter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}, nil
}

// Write uploads the document, overwriting any previous version.
func (w *ObjectStoreWriter) Write(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s.json", w.baseURL, doc.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("object store returned %d", resp.StatusCode)
	}
	return nil
}
