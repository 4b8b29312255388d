// Package pagebuffer implements the Page Buffer (SPEC_FULL.md §4.5): a
// filesystem write-ahead log that makes a scraped result page durable
// before its Citations are upserted, so a crash between fetch and commit
// never silently loses a page.
package pagebuffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thereferee/harvester/internal/model"
)

// MaxRetries is the retry cap after which a page moves to permanent-failed
// (§4.5: "if it now exceeds 5, move to permanent-failed").
const MaxRetries = 5

const (
	failedDirName    = "failed"
	permanentDirName = "permanent_failed"
	dirPerm          = 0o755
	filePerm         = 0o644
)

// ErrPageNotFound is returned when mark_saved/mark_failed targets a page
// with no in-progress buffer file.
var ErrPageNotFound = errors.New("pagebuffer: page not found")

// Buffer is the Page Buffer: root holds in-progress files, root/failed
// holds retryable files, root/permanent_failed holds exhausted files.
type Buffer struct {
	root   string
	logger *slog.Logger
}

// New creates a Buffer rooted at dir, creating dir and its failed/
// permanent_failed subdirectories if they do not exist.
func New(dir string, logger *slog.Logger) (*Buffer, error) {
	b := &Buffer{root: dir, logger: logger}

	for _, sub := range []string{"", failedDirName, permanentDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("pagebuffer: create %s: %w", filepath.Join(dir, sub), err)
		}
	}

	return b, nil
}

// Root returns the directory the Buffer is rooted at, for callers (the
// healthz handler) that need to verify it is still writable.
func (b *Buffer) Root() string {
	return b.root
}

func pageFilename(jobID string, pageNum int) string {
	return fmt.Sprintf("job_%s_page_%d.json", jobID, pageNum)
}

func (b *Buffer) inProgressPath(jobID string, pageNum int) string {
	return filepath.Join(b.root, pageFilename(jobID, pageNum))
}

func (b *Buffer) failedPath(jobID string, pageNum int) string {
	return filepath.Join(b.root, failedDirName, pageFilename(jobID, pageNum))
}

func (b *Buffer) permanentPath(jobID string, pageNum int) string {
	return filepath.Join(b.root, permanentDirName, pageFilename(jobID, pageNum))
}

// SavePage durably writes page as an in-progress file, before the caller
// attempts the Citation upsert (§4.3c: "papers are (a) written to the
// durable Page Buffer and (b) upserted into the Citation store").
func (b *Buffer) SavePage(page model.BufferedPage) error {
	page.CreatedAt = time.Now()

	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("pagebuffer: marshal page: %w", err)
	}

	path := b.inProgressPath(page.JobID, page.PageNum)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("pagebuffer: write %s: %w", path, err)
	}

	return nil
}

// MarkSaved removes the in-progress (and any retryable) buffer entry for a
// page once its Citations have been committed to the store.
func (b *Buffer) MarkSaved(jobID string, pageNum int) error {
	removeIfExists(b.inProgressPath(jobID, pageNum))
	removeIfExists(b.failedPath(jobID, pageNum))

	return nil
}

// MarkFailed moves a page's buffer entry into the retryable directory and
// increments its retry count, demoting it to permanent-failed once the
// count exceeds MaxRetries (§4.5).
func (b *Buffer) MarkFailed(jobID string, pageNum int, cause string) error {
	path := b.inProgressPath(jobID, pageNum)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already-retrying pages are re-marked from the failed dir itself.
		path = b.failedPath(jobID, pageNum)

		data, err = os.ReadFile(path)
	}

	if err != nil {
		return fmt.Errorf("%w: job %s page %d", ErrPageNotFound, jobID, pageNum)
	}

	var page model.BufferedPage
	if err := json.Unmarshal(data, &page); err != nil {
		return fmt.Errorf("pagebuffer: unmarshal %s: %w", path, err)
	}

	page.RetryCount++
	page.LastError = cause

	updated, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("pagebuffer: marshal page: %w", err)
	}

	dest := b.failedPath(jobID, pageNum)
	if page.RetryCount > MaxRetries {
		dest = b.permanentPath(jobID, pageNum)

		b.logger.Warn("page exceeded max retries, moved to permanent_failed",
			slog.String("job_id", jobID), slog.Int("page_num", pageNum), slog.Int("retry_count", page.RetryCount))
	}

	if err := os.WriteFile(dest, updated, filePerm); err != nil {
		return fmt.Errorf("pagebuffer: write %s: %w", dest, err)
	}

	removeIfExists(b.inProgressPath(jobID, pageNum))

	if dest != b.failedPath(jobID, pageNum) {
		removeIfExists(b.failedPath(jobID, pageNum))
	}

	return nil
}

// PendingPages lists buffered pages still within the retry cap, for the
// background drain task (§4.5 "pending_pages(max_retries=5)").
func (b *Buffer) PendingPages(maxRetries int) ([]model.BufferedPage, error) {
	dir := filepath.Join(b.root, failedDirName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pagebuffer: read %s: %w", dir, err)
	}

	var pages []model.BufferedPage

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Error("read pending page failed", slog.String("path", path), slog.Any("error", err))

			continue
		}

		var page model.BufferedPage
		if err := json.Unmarshal(data, &page); err != nil {
			b.logger.Error("unmarshal pending page failed", slog.String("path", path), slog.Any("error", err))

			continue
		}

		if page.RetryCount >= maxRetries {
			dest := b.permanentPath(page.JobID, page.PageNum)
			if err := os.Rename(path, dest); err != nil {
				b.logger.Error("move to permanent_failed failed", slog.String("path", path), slog.Any("error", err))
			}

			continue
		}

		pages = append(pages, page)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].CreatedAt.Before(pages[j].CreatedAt) })

	return pages, nil
}

// CleanupOld removes stale in-progress files older than maxAge, guarding
// against a leaked buffer entry outliving the job that wrote it.
func (b *Buffer) CleanupOld(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(b.root)
	if err != nil {
		return 0, fmt.Errorf("pagebuffer: read %s: %w", b.root, err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			removeIfExists(filepath.Join(b.root, entry.Name()))
			removed++
		}
	}

	return removed, nil
}

func removeIfExists(path string) {
	_ = os.Remove(path)
}
